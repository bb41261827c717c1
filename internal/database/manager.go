package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"chatrelay/internal/resilience"
	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var (
	// ErrManagerClosed is returned for writes after Close
	ErrManagerClosed = errors.New("database manager is closed")
	// ErrWriteTimeout is returned when the write queue stays full
	ErrWriteTimeout = errors.New("write operation timeout")
)

const writeQueueTimeout = 30 * time.Second

// Manager is the sqlite message store. Reads run on the pool, writes are
// serialized through a single writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	now          func() time.Time
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and validates the schema
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		now:          time.Now,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	manager.logger.Info().Str("path", config.DatabasePath).Msg("Message store ready")
	return manager, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn().Err(err).Msg("Database write failed")
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write and waits for its result
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(writeQueueTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Persist stores msg under a new server id and returns the canonical record.
// Constraint violations are permanent and are not retried.
func (m *Manager) Persist(ctx context.Context, msg *types.Message, authToken string) (*types.Message, error) {
	if msg == nil {
		return nil, resilience.Permanent(errors.New("nil message"))
	}

	stored := *msg
	stored.ID = uuid.NewString()
	stored.CreatedAt = m.now().UTC()
	stored.Status = ""
	if stored.ExpiresAt != nil {
		expiresAt := stored.ExpiresAt.UTC()
		stored.ExpiresAt = &expiresAt
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, sender_id, receiver_id, group_id, content, message_type, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			stored.ID,
			stored.SenderID,
			nullString(stored.ReceiverID),
			nullString(stored.GroupID),
			stored.Content,
			stored.MessageType,
			nullTime(stored.ExpiresAt),
			stored.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		if isConstraintError(err) {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}

	return &stored, nil
}

// GetMessage retrieves a message by id
func (m *Manager) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, group_id, content, message_type, expires_at, created_at
		FROM messages
		WHERE id = ?
	`, messageID)

	var (
		message    types.Message
		receiverID sql.NullString
		groupID    sql.NullString
		expiresAt  sql.NullTime
	)
	err := row.Scan(
		&message.ID,
		&message.SenderID,
		&receiverID,
		&groupID,
		&message.Content,
		&message.MessageType,
		&expiresAt,
		&message.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}

	message.ReceiverID = receiverID.String
	message.GroupID = groupID.String
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		message.ExpiresAt = &t
	}
	message.CreatedAt = message.CreatedAt.UTC()

	return &message, nil
}

// DeleteMessage removes a message. Deleting an unknown id returns ErrMessageNotFound.
func (m *Manager) DeleteMessage(ctx context.Context, messageID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageID)
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return interfaces.ErrMessageNotFound
		}
		return nil
	})
}

// HealthCheck validates connectivity and that the messages table is readable
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// Close stops the writer and closes the pool. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
