package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// SchemaValidator checks a migrated database against the structure the store expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"messages", "schema_migrations"} {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies the messages columns and their declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	messageColumns := map[string]string{
		"id":           "TEXT",
		"sender_id":    "TEXT",
		"receiver_id":  "TEXT",
		"group_id":     "TEXT",
		"content":      "TEXT",
		"message_type": "TEXT",
		"expires_at":   "DATETIME",
		"created_at":   "DATETIME",
	}

	if err := v.validateColumns("messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range []string{
		"idx_messages_receiver_time",
		"idx_messages_group_time",
		"idx_messages_sender_time",
		"idx_messages_expires_at",
	} {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(table string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		found[name] = strings.ToUpper(colType)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, colType := range expected {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s missing", column)
		}
		if got != colType {
			return fmt.Errorf("column %s has type %s, want %s", column, got, colType)
		}
	}
	return nil
}
