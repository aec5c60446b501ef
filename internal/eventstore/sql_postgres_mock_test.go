package eventstore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/loom/pkg/model"
)

// newMockPostgresStore builds an *SQLStore against a sqlmock-backed
// *sql.DB rather than a real server, so the Postgres-dialect query
// shapes (the "$n" placeholders s.ph produces, the conditional
// single-active-prompt UPDATE) are exercised at the SQL boundary
// without a live database.
func newMockPostgresStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &SQLStore{db: db, dialect: DialectPostgres}, mock
}

func TestSQLStoreCreateConversationUsesPostgresPlaceholders(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO conversations \(id, user_id, title, active_prompt_id, created_at, updated_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`).
		WithArgs(sqlmock.AnyArg(), "u1", "hello", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	conv := &model.Conversation{UserID: "u1", Title: "hello"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID == "" {
		t.Error("CreateConversation left ID empty")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreSetActivePromptRejectsConflictWithPostgresPlaceholders(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE conversations SET active_prompt_id = \$1, updated_at = \$2 WHERE id = \$3 AND \(active_prompt_id = '' OR active_prompt_id = \$4\)`).
		WithArgs("prompt-2", sqlmock.AnyArg(), "conv-1", "prompt-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery(`SELECT id, user_id, title, active_prompt_id, created_at, updated_at`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "title", "active_prompt_id", "created_at", "updated_at",
		}).AddRow("conv-1", "u1", "", "already-active", time.Now(), time.Now()))

	err := store.SetActivePrompt(ctx, "conv-1", "prompt-2")
	if err != ErrAlreadyExists {
		t.Fatalf("SetActivePrompt error = %v, want ErrAlreadyExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
