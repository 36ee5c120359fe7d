package emit

// NullEmitter discards all events. Use it where observability is not
// wanted; it has zero overhead and is safe for concurrent use.
type NullEmitter struct{}

// NewNullEmitter returns a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
