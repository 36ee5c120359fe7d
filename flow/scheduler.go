package flow

// Scheduler resolves which step of a workflow runs next.
//
// Eligibility is purely a function of the in-memory workflow snapshot:
// among PENDING steps, the one with the lowest Order whose every dependency
// is COMPLETE. Orders are unique per workflow at creation time, so no
// further tie-break exists.
//
// The zero value is ready to use; the type exists so the Dispatcher and
// Manager take it as an explicit dependency.
type Scheduler struct{}

// NextEligible returns the next runnable PENDING step, or nil when none
// qualifies (the workflow is finished, waiting on the current step, or
// stalled, see Stalled).
func (Scheduler) NextEligible(w *Workflow) *Step {
	var best *Step
	for _, s := range w.Steps {
		if s.Status != StepPending {
			continue
		}
		if !depsComplete(w, s) {
			continue
		}
		if best == nil || s.Order < best.Order {
			best = s
		}
	}
	return best
}

// Stalled reports whether the workflow can never make progress: PENDING
// steps remain, nothing is IN_PROGRESS, and no PENDING step is eligible.
// This happens when external writers persist an unsatisfiable dependency
// graph; it is surfaced as a condition, never a crash.
func (s Scheduler) Stalled(w *Workflow) bool {
	if w.InProgress() != nil {
		return false
	}
	pending := false
	for _, st := range w.Steps {
		if st.Status == StepPending {
			pending = true
			break
		}
	}
	if !pending {
		return false
	}
	return s.NextEligible(w) == nil
}

// Recover locates the step a resumed workflow should continue at. External
// writers may leave a workflow without a coherent current-step pointer
// after a crash; in that case the IN_PROGRESS step (if any) is resumed,
// else the step with order 0 is promoted, else normal eligibility applies.
// Returns nil when nothing can run.
func (s Scheduler) Recover(w *Workflow) *Step {
	if cur := w.InProgress(); cur != nil {
		return cur
	}
	for _, st := range w.Steps {
		if st.Order == 0 && st.Status == StepPending {
			return st
		}
	}
	return s.NextEligible(w)
}

func depsComplete(w *Workflow, s *Step) bool {
	for _, dep := range s.DependsOn {
		d := w.StepByName(dep)
		if d == nil || d.Status != StepComplete {
			return false
		}
	}
	return true
}
