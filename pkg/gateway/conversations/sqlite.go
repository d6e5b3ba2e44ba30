package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/mnemonic"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id_key     TEXT PRIMARY KEY,
	id         TEXT NOT NULL,
	owner      TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	metadata   TEXT,
	agent_key  TEXT NOT NULL,
	family     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS conversations_owner_updated ON conversations (owner, updated_at DESC);
CREATE TABLE IF NOT EXISTS messages (
	conversation_key TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	role             TEXT NOT NULL,
	family           TEXT NOT NULL,
	payload          BLOB NOT NULL,
	PRIMARY KEY (conversation_key, seq)
);
`

type SQLiteConfig struct {
	// Path is the database file. Its parent directory must exist.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// SQLiteStore persists conversations in a WAL-mode SQLite database.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("conversation store: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: open %s: %w", cfg.Path, err)
	}
	s := &SQLiteStore{pool: pool, logger: logger, path: cfg.Path}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: schema: %w", err)
	}

	logger.Info("conversation store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("conversation store close failed", "path", s.path, "error", err)
		return fmt.Errorf("conversation store: close: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, c Conversation) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("conversation store: begin: %w", err)
	}
	defer endTransaction(&err)

	exists, err := conversationExists(conn, c.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}

	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `INSERT INTO conversations
		(id_key, id, owner, name, metadata, agent_key, family, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			c.ID.Key(), c.ID.String(), c.Owner, c.Name, metadata, c.AgentKey, c.Family,
			c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), nullableTime(c.DeletedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("conversation store: insert %s: %w", c.ID, err)
	}
	return insertMessages(conn, c.ID, 0, c.Messages)
}

func (s *SQLiteStore) Get(ctx context.Context, id mnemonic.ID) (Conversation, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		c     Conversation
		found bool
	)
	err = sqlitex.Execute(conn, `SELECT id, owner, name, metadata, agent_key, family, created_at, updated_at, deleted_at
		FROM conversations WHERE id_key = ?`, &sqlitex.ExecOptions{
		Args: []any{id.Key()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			c.ID = mnemonic.ID(stmt.ColumnText(0))
			c.Owner = stmt.ColumnText(1)
			c.Name = stmt.ColumnText(2)
			if !stmt.ColumnIsNull(3) {
				if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &c.Metadata); err != nil {
					return fmt.Errorf("decode metadata: %w", err)
				}
			}
			c.AgentKey = stmt.ColumnText(4)
			c.Family = stmt.ColumnText(5)
			c.CreatedAt = fromUnixNano(stmt.ColumnInt64(6))
			c.UpdatedAt = fromUnixNano(stmt.ColumnInt64(7))
			if !stmt.ColumnIsNull(8) {
				at := fromUnixNano(stmt.ColumnInt64(8))
				c.DeletedAt = &at
			}
			return nil
		},
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation store: get %s: %w", id, err)
	}
	if !found {
		return Conversation{}, ErrNotFound
	}

	err = sqlitex.Execute(conn, `SELECT role, family, payload FROM messages
		WHERE conversation_key = ? ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{id.Key()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			payload := make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, payload)
			c.Messages = append(c.Messages, Message{
				Role:    protocol.Role(stmt.ColumnText(0)),
				Family:  stmt.ColumnText(1),
				Payload: payload,
			})
			return nil
		},
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation store: messages %s: %w", id, err)
	}
	c.Persisted = true
	return c, nil
}

func (s *SQLiteStore) Update(ctx context.Context, c Conversation) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: take: %w", err)
	}
	defer s.pool.Put(conn)

	metadata, err := encodeMetadata(c.Metadata)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `UPDATE conversations
		SET owner = ?, name = ?, metadata = ?, agent_key = ?, family = ?, updated_at = ?, deleted_at = ?
		WHERE id_key = ?`, &sqlitex.ExecOptions{
		Args: []any{
			c.Owner, c.Name, metadata, c.AgentKey, c.Family,
			c.UpdatedAt.UnixNano(), nullableTime(c.DeletedAt), c.ID.Key(),
		},
	})
	if err != nil {
		return fmt.Errorf("conversation store: update %s: %w", c.ID, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, id mnemonic.ID, msgs []Message, updatedAt time.Time) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("conversation store: begin: %w", err)
	}
	defer endTransaction(&err)

	exists, err := conversationExists(conn, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	var next int64
	err = sqlitex.Execute(conn, `SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_key = ?`, &sqlitex.ExecOptions{
		Args: []any{id.Key()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			next = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("conversation store: next seq %s: %w", id, err)
	}
	if err := insertMessages(conn, id, next, msgs); err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `UPDATE conversations SET updated_at = ? WHERE id_key = ?`, &sqlitex.ExecOptions{
		Args: []any{updatedAt.UnixNano(), id.Key()},
	})
	if err != nil {
		return fmt.Errorf("conversation store: touch %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, owner string) ([]Summary, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversation store: take: %w", err)
	}
	defer s.pool.Put(conn)

	out := make([]Summary, 0)
	err = sqlitex.Execute(conn, `SELECT c.id, c.name, c.agent_key, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_key = c.id_key)
		FROM conversations c
		WHERE c.owner = ? AND c.deleted_at IS NULL
		ORDER BY c.updated_at DESC, c.id_key ASC`, &sqlitex.ExecOptions{
		Args: []any{owner},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, Summary{
				ID:           mnemonic.ID(stmt.ColumnText(0)),
				Name:         stmt.ColumnText(1),
				AgentKey:     stmt.ColumnText(2),
				UpdatedAt:    fromUnixNano(stmt.ColumnInt64(3)),
				MessageCount: stmt.ColumnInt(4),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: list: %w", err)
	}
	return out, nil
}

func conversationExists(conn *sqlite.Conn, id mnemonic.ID) (bool, error) {
	var exists bool
	err := sqlitex.Execute(conn, `SELECT 1 FROM conversations WHERE id_key = ?`, &sqlitex.ExecOptions{
		Args: []any{id.Key()},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("conversation store: lookup %s: %w", id, err)
	}
	return exists, nil
}

func insertMessages(conn *sqlite.Conn, id mnemonic.ID, start int64, msgs []Message) error {
	for i, m := range msgs {
		err := sqlitex.Execute(conn, `INSERT INTO messages (conversation_key, seq, role, family, payload)
			VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{id.Key(), start + int64(i), string(m.Role), m.Family, []byte(m.Payload)},
		})
		if err != nil {
			return fmt.Errorf("conversation store: insert message %s/%d: %w", id, start+int64(i), err)
		}
	}
	return nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
