package templaterepo

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleTemplate = `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "x-format": "shortText", "maxLength": 120},
		"budget": {"type": "object", "x-format": "money", "properties": {"amount": {"type": "number", "maximum": 50000}}}
	},
	"required": ["title"]
}`

func TestTemplateRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureRepo("inst-1", json.RawMessage(sampleTemplate), "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "inst-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Second call is a no-op
	if err := svc.EnsureRepo("inst-1", json.RawMessage(`{"type":"object","properties":{}}`), "Avery"); err != nil {
		t.Fatalf("EnsureRepo() second call error = %v", err)
	}
	head, _, err := svc.Head("inst-1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if !strings.Contains(string(head), "budget") {
		t.Fatal("re-ensuring must not overwrite the baseline template")
	}

	updated := strings.Replace(sampleTemplate, "50000", "75000", 1)
	rev, err := svc.CommitTemplate("inst-1", json.RawMessage(updated), "Avery", "Raise budget ceiling")
	if err != nil {
		t.Fatalf("CommitTemplate() error = %v", err)
	}
	if rev.Hash == "" {
		t.Fatal("expected commit hash")
	}

	history, err := svc.History("inst-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
	if history[0].Message != "Raise budget ceiling" {
		t.Fatalf("unexpected head message: %q", history[0].Message)
	}

	baseline, err := svc.GetByHash("inst-1", history[1].Hash)
	if err != nil {
		t.Fatalf("GetByHash() error = %v", err)
	}
	if !strings.Contains(string(baseline), "50000") {
		t.Fatal("baseline revision should carry the original ceiling")
	}
}

func TestCommitTemplateRejectsUnchanged(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureRepo("inst-2", json.RawMessage(sampleTemplate), "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, err := svc.CommitTemplate("inst-2", json.RawMessage(sampleTemplate), "Avery", "No change"); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("CommitTemplate() error = %v, want ErrUnchanged", err)
	}
}
