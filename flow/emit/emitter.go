package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use, must not block the
// turn being processed for long, and must not panic: a misbehaving
// observability backend never takes a workflow down with it.
type Emitter interface {
	Emit(event Event)
}
