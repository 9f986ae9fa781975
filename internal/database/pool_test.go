package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	stmts  []string
	failOn int
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.stmts = append(r.stmts, sql)
	if r.failOn > 0 && len(r.stmts) == r.failOn {
		return pgconn.CommandTag{}, errors.New("relation already locked")
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestEnsureSchema(t *testing.T) {
	db := &recordingExecer{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.stmts) != len(Schema) {
		t.Fatalf("statements = %d, want %d", len(db.stmts), len(Schema))
	}
	if !strings.Contains(db.stmts[0], "channel_messages") {
		t.Errorf("first statement = %q, want channel_messages table", db.stmts[0])
	}
}

func TestEnsureSchema_StopsOnError(t *testing.T) {
	db := &recordingExecer{failOn: 2}
	err := EnsureSchema(context.Background(), db)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "apply schema") {
		t.Errorf("error = %q, want apply schema prefix", err)
	}
	if len(db.stmts) != 2 {
		t.Errorf("statements = %d, want 2", len(db.stmts))
	}
}
