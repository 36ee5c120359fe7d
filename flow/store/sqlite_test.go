package store_test

import (
	"path/filepath"
	"testing"

	"github.com/draftflow/flowkit/flow/store"
)

func TestSQLiteStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) fullStore {
		path := filepath.Join(t.TempDir(), "flowkit.db")
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowkit.db")

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	wf, err := s.CreateWorkflow(t.Context(), "t1", "tmpl", "press-release")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Data survives a process restart.
	s, err = store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetWorkflow(t.Context(), wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow after reopen: %v", err)
	}
	if got.Type != "press-release" || got.ThreadID != "t1" {
		t.Errorf("reloaded workflow = %+v", got)
	}
}
