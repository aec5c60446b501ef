package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/loom/pkg/model"
)

func newID() string { return uuid.NewString() }

// Dialect selects the SQL engine SQLStore speaks to. Grounded on
// internal/sessions/cockroach.go's single-dialect CockroachStore, widened
// to also support the donor's sqlite sibling store (mirrored here rather
// than ported file-for-file, since both dialects share every query this
// domain needs once placeholder syntax is abstracted).
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store against Postgres/CockroachDB (via lib/pq) or
// pure-Go SQLite (via modernc.org/sqlite). Schema migration tooling is
// explicitly out of scope (§1); SQLStore creates its own tables with
// CREATE TABLE IF NOT EXISTS rather than depending on an external
// migration runner.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Config configures connection pooling, mirroring CockroachConfig's
// pool-tuning fields.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig mirrors the donor's DefaultCockroachConfig pool sizing.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Open connects to dsn using dialect's driver, pings it, creates the
// schema if absent, and returns a ready SQLStore.
func Open(ctx context.Context, dialect Dialect, dsn string, config Config) (*SQLStore, error) {
	driver := "postgres"
	if dialect == DialectSQLite {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: ping: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: create schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying connection, e.g. for a migration tool the
// transport layer wires in separately.
func (s *SQLStore) DB() *sql.DB { return s.db }

// ph returns the dialect-appropriate positional placeholder for
// argument n (1-based): "$n" for Postgres, "?" for SQLite.
func (s *SQLStore) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	autoID := "TEXT PRIMARY KEY"
	jsonType := "TEXT"
	timeType := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		jsonType = "JSONB"
		timeType = "TIMESTAMPTZ"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
			id %s, user_id TEXT NOT NULL, title TEXT, active_prompt_id TEXT,
			created_at %s NOT NULL, updated_at %s NOT NULL
		)`, autoID, timeType, timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %s, conversation_id TEXT NOT NULL, role TEXT NOT NULL, status TEXT NOT NULL,
			queue_order BIGINT NOT NULL DEFAULT 0, steering BOOLEAN NOT NULL DEFAULT FALSE,
			created_at %s NOT NULL, updated_at %s NOT NULL
		)`, autoID, timeType, timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS prompts (
			id %s, conversation_id TEXT NOT NULL, message_id TEXT NOT NULL, status TEXT NOT NULL,
			model TEXT, system_message TEXT, request %s, error TEXT,
			created_at %s NOT NULL, completed_at %s
		)`, autoID, jsonType, timeType, timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blocks (
			id %s, message_id TEXT NOT NULL, prompt_id TEXT, type TEXT NOT NULL, "order" INTEGER NOT NULL,
			content TEXT, metadata %s, is_finalized BOOLEAN NOT NULL DEFAULT FALSE,
			created_at %s NOT NULL, updated_at %s NOT NULL
		)`, autoID, jsonType, timeType, timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS prompt_events (
			id %s, prompt_id TEXT NOT NULL, index_num INTEGER NOT NULL, type TEXT NOT NULL, payload %s,
			UNIQUE(prompt_id, index_num)
		)`, autoID, jsonType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tool_calls (
			id %s, prompt_id TEXT NOT NULL, block_id TEXT NOT NULL, api_tool_call_id TEXT,
			tool_name TEXT NOT NULL, state TEXT NOT NULL, request %s, output TEXT, error TEXT,
			started_at %s, completed_at %s
		)`, autoID, jsonType, timeType, timeType),
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_message ON blocks(message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_prompt ON tool_calls(prompt_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func mapSQLNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (s *SQLStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
	if c.ID == "" {
		c.ID = newID()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	q := fmt.Sprintf(`INSERT INTO conversations (id, user_id, title, active_prompt_id, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	_, err := s.db.ExecContext(ctx, q, c.ID, c.UserID, c.Title, c.ActivePromptID, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	q := fmt.Sprintf(`SELECT id, user_id, title, active_prompt_id, created_at, updated_at
		FROM conversations WHERE id = %s`, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, id)
	var c model.Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.ActivePromptID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapSQLNoRows(err)
	}
	return &c, nil
}

// SetActivePrompt enforces the single-active-prompt invariant with a
// conditional UPDATE: the WHERE clause only matches rows that are free
// (active_prompt_id is empty) or already held by promptID, so a
// concurrent second caller's UPDATE affects zero rows and is reported as
// ErrAlreadyExists rather than silently overwriting the first. Clearing
// the slot (promptID == "") is unconditional.
func (s *SQLStore) SetActivePrompt(ctx context.Context, conversationID string, promptID string) error {
	if promptID == "" {
		q := fmt.Sprintf(`UPDATE conversations SET active_prompt_id = %s, updated_at = %s WHERE id = %s`,
			s.ph(1), s.ph(2), s.ph(3))
		res, err := s.db.ExecContext(ctx, q, "", time.Now(), conversationID)
		if err != nil {
			return err
		}
		return requireAffected(res)
	}
	q := fmt.Sprintf(`UPDATE conversations SET active_prompt_id = %s, updated_at = %s
		WHERE id = %s AND (active_prompt_id = '' OR active_prompt_id = %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	res, err := s.db.ExecContext(ctx, q, promptID, time.Now(), conversationID, promptID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetConversation(ctx, conversationID); getErr != nil {
			return getErr
		}
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*model.Conversation, error) {
	q := `SELECT id, user_id, title, active_prompt_id, created_at, updated_at FROM conversations`
	args := []any{}
	if userID != "" {
		q += fmt.Sprintf(` WHERE user_id = %s`, s.ph(1))
		args = append(args, userID)
	}
	q += ` ORDER BY created_at ASC`
	q += paginationClause(s.dialect, len(args), opts)

	rows, err := s.db.QueryContext(ctx, q, appendPagination(args, opts)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.ActivePromptID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	q := fmt.Sprintf(`INSERT INTO messages (id, conversation_id, role, status, queue_order, steering, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	_, err := s.db.ExecContext(ctx, q, m.ID, m.ConversationID, m.Role, m.Status, m.QueueOrder, m.Steering, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *SQLStore) scanMessage(row *sql.Row) (*model.Message, error) {
	var m model.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Status, &m.QueueOrder, &m.Steering, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, mapSQLNoRows(err)
	}
	return &m, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	q := fmt.Sprintf(`SELECT id, conversation_id, role, status, queue_order, steering, created_at, updated_at
		FROM messages WHERE id = %s`, s.ph(1))
	return s.scanMessage(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) UpdateMessage(ctx context.Context, m *model.Message) error {
	m.UpdatedAt = time.Now()
	q := fmt.Sprintf(`UPDATE messages SET status = %s, queue_order = %s, steering = %s, updated_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := s.db.ExecContext(ctx, q, m.Status, m.QueueOrder, m.Steering, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*model.Message, error) {
	q := fmt.Sprintf(`SELECT id, conversation_id, role, status, queue_order, steering, created_at, updated_at
		FROM messages WHERE conversation_id = %s ORDER BY created_at ASC`, s.ph(1))
	args := []any{conversationID}
	q += paginationClause(s.dialect, len(args), opts)

	rows, err := s.db.QueryContext(ctx, q, appendPagination(args, opts)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Status, &m.QueueOrder, &m.Steering, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLStore) NextQueuedMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	q := fmt.Sprintf(`SELECT id, conversation_id, role, status, queue_order, steering, created_at, updated_at
		FROM messages WHERE conversation_id = %s AND status = %s
		ORDER BY queue_order ASC LIMIT 1`, s.ph(1), s.ph(2))
	return s.scanMessage(s.db.QueryRowContext(ctx, q, conversationID, model.MessageQueued))
}

func (s *SQLStore) CreatePrompt(ctx context.Context, p *model.Prompt) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	q := fmt.Sprintf(`INSERT INTO prompts (id, conversation_id, message_id, status, model, system_message, request, error, created_at, completed_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	_, err := s.db.ExecContext(ctx, q, p.ID, p.ConversationID, p.MessageID, p.Status, p.Model, p.SystemMessage, []byte(p.Request), p.Error, p.CreatedAt, p.CompletedAt)
	return err
}

func (s *SQLStore) scanPrompt(row *sql.Row) (*model.Prompt, error) {
	var p model.Prompt
	var request []byte
	if err := row.Scan(&p.ID, &p.ConversationID, &p.MessageID, &p.Status, &p.Model, &p.SystemMessage, &request, &p.Error, &p.CreatedAt, &p.CompletedAt); err != nil {
		return nil, mapSQLNoRows(err)
	}
	p.Request = json.RawMessage(request)
	return &p, nil
}

func (s *SQLStore) GetPrompt(ctx context.Context, id string) (*model.Prompt, error) {
	q := fmt.Sprintf(`SELECT id, conversation_id, message_id, status, model, system_message, request, error, created_at, completed_at
		FROM prompts WHERE id = %s`, s.ph(1))
	return s.scanPrompt(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) UpdatePrompt(ctx context.Context, p *model.Prompt) error {
	q := fmt.Sprintf(`UPDATE prompts SET status = %s, error = %s, completed_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	res, err := s.db.ExecContext(ctx, q, p.Status, p.Error, p.CompletedAt, p.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLStore) CreateBlock(ctx context.Context, b *model.Block) error {
	if b.ID == "" {
		b.ID = newID()
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	metadata, err := marshalJSON(b.Metadata)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO blocks (id, message_id, prompt_id, type, "order", content, metadata, is_finalized, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	_, err = s.db.ExecContext(ctx, q, b.ID, b.MessageID, b.PromptID, b.Type, b.Order, b.Content, metadata, b.IsFinalized, b.CreatedAt, b.UpdatedAt)
	return err
}

func (s *SQLStore) scanBlock(row *sql.Row) (*model.Block, error) {
	var b model.Block
	var metadata []byte
	if err := row.Scan(&b.ID, &b.MessageID, &b.PromptID, &b.Type, &b.Order, &b.Content, &metadata, &b.IsFinalized, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, mapSQLNoRows(err)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &b.Metadata)
	}
	return &b, nil
}

func (s *SQLStore) GetBlock(ctx context.Context, id string) (*model.Block, error) {
	q := fmt.Sprintf(`SELECT id, message_id, prompt_id, type, "order", content, metadata, is_finalized, created_at, updated_at
		FROM blocks WHERE id = %s`, s.ph(1))
	return s.scanBlock(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) UpdateBlock(ctx context.Context, b *model.Block) error {
	b.UpdatedAt = time.Now()
	metadata, err := marshalJSON(b.Metadata)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE blocks SET content = %s, metadata = %s, is_finalized = %s, updated_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := s.db.ExecContext(ctx, q, b.Content, metadata, b.IsFinalized, b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLStore) ListBlocksByMessage(ctx context.Context, messageID string) ([]*model.Block, error) {
	q := fmt.Sprintf(`SELECT id, message_id, prompt_id, type, "order", content, metadata, is_finalized, created_at, updated_at
		FROM blocks WHERE message_id = %s ORDER BY "order" ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Block
	for rows.Next() {
		var b model.Block
		var metadata []byte
		if err := rows.Scan(&b.ID, &b.MessageID, &b.PromptID, &b.Type, &b.Order, &b.Content, &metadata, &b.IsFinalized, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &b.Metadata)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendPromptEvent(ctx context.Context, e *model.PromptEvent) error {
	if e.ID == "" {
		e.ID = newID()
	}
	q := fmt.Sprintf(`SELECT COALESCE(MAX(index_num), -1) + 1 FROM prompt_events WHERE prompt_id = %s`, s.ph(1))
	if err := s.db.QueryRowContext(ctx, q, e.PromptID).Scan(&e.IndexNum); err != nil {
		return err
	}
	insert := fmt.Sprintf(`INSERT INTO prompt_events (id, prompt_id, index_num, type, payload)
		VALUES (%s, %s, %s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	_, err := s.db.ExecContext(ctx, insert, e.ID, e.PromptID, e.IndexNum, e.Type, []byte(e.Payload))
	return err
}

func (s *SQLStore) ListPromptEvents(ctx context.Context, promptID string, afterIndex int) ([]*model.PromptEvent, error) {
	q := fmt.Sprintf(`SELECT id, prompt_id, index_num, type, payload FROM prompt_events
		WHERE prompt_id = %s AND index_num > %s ORDER BY index_num ASC`, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, promptID, afterIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.PromptEvent
	for rows.Next() {
		var e model.PromptEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.PromptID, &e.IndexNum, &e.Type, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateToolCall(ctx context.Context, tc *model.ToolCall) error {
	if tc.ID == "" {
		tc.ID = newID()
	}
	q := fmt.Sprintf(`INSERT INTO tool_calls (id, prompt_id, block_id, api_tool_call_id, tool_name, state, request, output, error, started_at, completed_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
	_, err := s.db.ExecContext(ctx, q, tc.ID, tc.PromptID, tc.BlockID, tc.APIToolCallID, tc.ToolName, tc.State, []byte(tc.Request), tc.Output, tc.Error, tc.StartedAt, tc.CompletedAt)
	return err
}

func (s *SQLStore) scanToolCall(row *sql.Row) (*model.ToolCall, error) {
	var tc model.ToolCall
	var request []byte
	if err := row.Scan(&tc.ID, &tc.PromptID, &tc.BlockID, &tc.APIToolCallID, &tc.ToolName, &tc.State, &request, &tc.Output, &tc.Error, &tc.StartedAt, &tc.CompletedAt); err != nil {
		return nil, mapSQLNoRows(err)
	}
	tc.Request = json.RawMessage(request)
	return &tc, nil
}

func (s *SQLStore) GetToolCall(ctx context.Context, id string) (*model.ToolCall, error) {
	q := fmt.Sprintf(`SELECT id, prompt_id, block_id, api_tool_call_id, tool_name, state, request, output, error, started_at, completed_at
		FROM tool_calls WHERE id = %s`, s.ph(1))
	return s.scanToolCall(s.db.QueryRowContext(ctx, q, id))
}

func (s *SQLStore) UpdateToolCall(ctx context.Context, tc *model.ToolCall) error {
	q := fmt.Sprintf(`UPDATE tool_calls SET state = %s, output = %s, error = %s, started_at = %s, completed_at = %s WHERE id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	res, err := s.db.ExecContext(ctx, q, tc.State, tc.Output, tc.Error, tc.StartedAt, tc.CompletedAt, tc.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLStore) ListToolCallsByPrompt(ctx context.Context, promptID string) ([]*model.ToolCall, error) {
	q := fmt.Sprintf(`SELECT id, prompt_id, block_id, api_tool_call_id, tool_name, state, request, output, error, started_at, completed_at
		FROM tool_calls WHERE prompt_id = %s ORDER BY started_at ASC NULLS FIRST`, s.ph(1))
	if s.dialect == DialectSQLite {
		q = fmt.Sprintf(`SELECT id, prompt_id, block_id, api_tool_call_id, tool_name, state, request, output, error, started_at, completed_at
			FROM tool_calls WHERE prompt_id = %s ORDER BY (started_at IS NULL) DESC, started_at ASC`, s.ph(1))
	}
	rows, err := s.db.QueryContext(ctx, q, promptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ToolCall
	for rows.Next() {
		var tc model.ToolCall
		var request []byte
		if err := rows.Scan(&tc.ID, &tc.PromptID, &tc.BlockID, &tc.APIToolCallID, &tc.ToolName, &tc.State, &request, &tc.Output, &tc.Error, &tc.StartedAt, &tc.CompletedAt); err != nil {
			return nil, err
		}
		tc.Request = json.RawMessage(request)
		out = append(out, &tc)
	}
	return out, rows.Err()
}

func (s *SQLStore) Snapshot(ctx context.Context, conversationID string) (*model.ConversationSnapshot, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.ListMessages(ctx, conversationID, ListOptions{})
	if err != nil {
		return nil, err
	}

	blocks := make(map[string][]*model.Block, len(messages))
	promptIDs := make(map[string]bool)
	for _, msg := range messages {
		bs, err := s.ListBlocksByMessage(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		blocks[msg.ID] = bs
		for _, b := range bs {
			if b.PromptID != "" {
				promptIDs[b.PromptID] = true
			}
		}
	}

	toolCalls := make(map[string][]*model.ToolCall, len(promptIDs))
	for pid := range promptIDs {
		tcs, err := s.ListToolCallsByPrompt(ctx, pid)
		if err != nil {
			return nil, err
		}
		toolCalls[pid] = tcs
	}

	return &model.ConversationSnapshot{
		Conversation: conv,
		Messages:     messages,
		Blocks:       blocks,
		ToolCalls:    toolCalls,
	}, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func paginationClause(dialect Dialect, argOffset int, opts ListOptions) string {
	if opts.Limit <= 0 && opts.Offset <= 0 {
		return ""
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1_000_000
	}
	return fmt.Sprintf(" LIMIT %s OFFSET %s", phAt(dialect, argOffset+1), phAt(dialect, argOffset+2))
}

func phAt(dialect Dialect, n int) string {
	if dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func appendPagination(args []any, opts ListOptions) []any {
	if opts.Limit <= 0 && opts.Offset <= 0 {
		return args
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1_000_000
	}
	return append(args, limit, opts.Offset)
}
