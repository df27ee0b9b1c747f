package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Exercises the conditional completed_at update against a real Postgres:
// the first ApplyTransition wins, the second is a no-op, and jsonb_set
// keeps unrelated instance_data keys intact.
func TestApplyTransitionIdempotentPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("AGORA_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("AGORA_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)

	if err := s.CreateUser(ctx, User{ID: "u_test", DisplayName: "Test", Email: "test@example.org", Role: "admin"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	schemaJSON := `{"id":"sch_budget","version":1,"name":"Budget","phases":[
		{"id":"collect","name":"Collect","rules":{"proposals":{"submit":true},"voting":{"submit":false},"advancement":{"method":"date"}}},
		{"id":"vote","name":"Vote","rules":{"proposals":{"submit":false},"voting":{"submit":true},"advancement":{"method":"manual"}}}
	]}`
	if err := s.CreateProcess(ctx, Process{ID: "proc_1", Name: "Budget 2026", Schema: json.RawMessage(schemaJSON), CreatedBy: "u_test"}); err != nil {
		t.Fatalf("create process: %v", err)
	}
	instanceData := `{"currentPhaseId":"collect","phases":[{"phaseId":"collect"}],"customKey":"survives"}`
	if err := s.CreateInstance(ctx, Instance{
		ID:             "inst_1",
		ProcessID:      "proc_1",
		Status:         "published",
		CurrentStateID: "collect",
		InstanceData:   json.RawMessage(instanceData),
		CreatedBy:      "u_test",
	}); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := s.CreateTransition(ctx, Transition{
		ID:            "tr_1",
		InstanceID:    "inst_1",
		FromStateID:   "collect",
		ToStateID:     "vote",
		ScheduledDate: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create transition: %v", err)
	}

	applied, err := s.ApplyTransition(ctx, "tr_1", "inst_1", "vote", time.Now())
	if err != nil {
		t.Fatalf("apply transition: %v", err)
	}
	if !applied {
		t.Fatal("first apply should report applied")
	}

	applied, err = s.ApplyTransition(ctx, "tr_1", "inst_1", "vote", time.Now())
	if err != nil {
		t.Fatalf("re-apply transition: %v", err)
	}
	if applied {
		t.Fatal("second apply must be a no-op")
	}

	inst, err := s.GetInstance(ctx, "inst_1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.CurrentStateID != "vote" {
		t.Fatalf("current_state_id = %q, want vote", inst.CurrentStateID)
	}
	var data map[string]any
	if err := json.Unmarshal(inst.InstanceData, &data); err != nil {
		t.Fatalf("decode instance data: %v", err)
	}
	if data["currentPhaseId"] != "vote" {
		t.Fatalf("instance_data.currentPhaseId = %v, want vote", data["currentPhaseId"])
	}
	if data["customKey"] != "survives" {
		t.Fatalf("unrelated instance_data keys must survive, got %v", data["customKey"])
	}

	due, err := s.ListDueTransitions(ctx, time.Now())
	if err != nil {
		t.Fatalf("list due transitions: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("completed transitions must not be due again, got %d", len(due))
	}
}
