package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"marketalerts/internal/logger"

	_ "github.com/lib/pq"
)

var db *sql.DB

// Sentinel errors shared by the stores
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// InitDB initializes the database connection
func InitDB(connStr string) error {
	var err error
	db, err = sql.Open("postgres", connStr)
	if err != nil {
		return err
	}

	// Set connection pool parameters
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return err
	}

	logger.Log.Info("Database connection established")
	return nil
}

// SetDB swaps the underlying handle, used by tests with sqlmock
func SetDB(handle *sql.DB) {
	db = handle
}
