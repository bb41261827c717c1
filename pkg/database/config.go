package database

import (
	"errors"
	"fmt"
	"time"
)

// Config holds database configuration
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	BusyTimeout     time.Duration `json:"busy_timeout"`
}

// DefaultConfig returns the default database configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/chatrelay.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.BusyTimeout < 0 {
		return errors.New("busy timeout cannot be negative")
	}
	return nil
}

// DSN returns the go-sqlite3 connection string
func (c *Config) DSN() string {
	return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		c.DatabasePath, c.BusyTimeout.Milliseconds())
}
