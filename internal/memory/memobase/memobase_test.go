package memobase

import (
	"errors"
	"testing"

	"github.com/agentmesh/orchestrator/pkg/models"
)

func TestPutThenGetRoundTrip(t *testing.T) {
	s := New()
	if err := s.Put(7, "name", "Alice", 0.8, models.SourceExtracted); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	entries := s.Get(7)
	if len(entries) != 1 || entries[0].Value != "Alice" {
		t.Fatalf("Get() = %+v, want one entry with value Alice", entries)
	}
}

func TestPutRejectsLowerImportance(t *testing.T) {
	s := New()
	s.Put(7, "name", "Alice", 0.8, models.SourceExtracted)

	err := s.Put(7, "name", "Bob", 0.3, models.SourceExtracted)
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("Put() error = %v, want ErrSkipped", err)
	}

	entries := s.Get(7)
	if entries[0].Value != "Alice" {
		t.Errorf("value changed despite lower importance: %v", entries[0].Value)
	}
}

func TestPutTieManualBeatsExtraction(t *testing.T) {
	s := New()
	s.Put(7, "name", "Alice", 0.5, models.SourceManual)

	err := s.Put(7, "name", "Bob", 0.5, models.SourceExtracted)
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("Put() error = %v, want ErrSkipped on manual-vs-extraction tie", err)
	}
	if s.Get(7)[0].Value != "Alice" {
		t.Error("manual entry was overwritten by tied extraction write")
	}
}

func TestPutTieSameSourceNewerWins(t *testing.T) {
	s := New()
	s.Put(7, "name", "Alice", 0.5, models.SourceExtracted)

	if err := s.Put(7, "name", "Bob", 0.5, models.SourceExtracted); err != nil {
		t.Fatalf("Put() error = %v, want nil on equal-importance same-source write", err)
	}
	if s.Get(7)[0].Value != "Bob" {
		t.Error("equal-importance write should win over extraction-vs-extraction tie")
	}
}

func TestAnonymousUserNeverWrites(t *testing.T) {
	s := New()
	if err := s.Put(models.AnonymousUser, "name", "Nobody", 1.0, models.SourceManual); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if len(s.Get(models.AnonymousUser)) != 0 {
		t.Error("anonymous user write was persisted")
	}
}

func TestIsolationBetweenUsers(t *testing.T) {
	s := New()
	s.Put(7, "name", "Alice", 0.9, models.SourceManual)
	if len(s.Get(9)) != 0 {
		t.Error("user 9 observed user 7's context entry")
	}
}

func TestUpdateLeavesImportanceAndSource(t *testing.T) {
	s := New()
	s.Put(7, "name", "Alice", 0.6, models.SourceManual)
	if !s.Update(7, "name", "Alicia") {
		t.Fatal("Update() returned false for existing key")
	}
	entry := s.Get(7)[0]
	if entry.Value != "Alicia" || entry.Importance != 0.6 || entry.Source != models.SourceManual {
		t.Errorf("Update() mutated more than value: %+v", entry)
	}
}

func TestDeleteSingleKey(t *testing.T) {
	s := New()
	s.Put(7, "name", "Alice", 0.6, models.SourceManual)
	s.Put(7, "city", "Paris", 0.6, models.SourceManual)

	s.Delete(7, "name")
	entries := s.Get(7)
	if len(entries) != 1 || entries[0].Key != "city" {
		t.Errorf("Delete() left unexpected state: %+v", entries)
	}
}
