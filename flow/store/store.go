// Package store provides persistence backends for the workflow engine:
// an in-memory store for tests and single-process use, a SQLite store for
// zero-setup durability, and a MySQL store for shared deployments.
//
// All backends implement flow.Store and flow.ThreadStore and share the
// same semantics:
//   - reads return deep copies; callers mutate freely between writes
//   - unknown IDs return errors wrapping flow.ErrNotFound
//   - UpdateWorkflowCurrentStep is an atomic promote that fails with
//     flow.ErrStepConflict when a different step is already IN_PROGRESS
//   - at most one ACTIVE workflow may exist per thread
package store

import (
	"fmt"

	"github.com/draftflow/flowkit/flow"
)

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, flow.ErrNotFound)
}
