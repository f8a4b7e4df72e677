package ch

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"gptbot/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2"
)

type ClickHouseDB struct {
	conn clickhouse.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(host string, port int, database, user, password string, useTLS bool) (*ClickHouseDB, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	options := &clickhouse.Options{
		Addr:     []string{addr},
		Protocol: clickhouse.Native,
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: password,
		},
		DialTimeout: 10 * time.Second,
	}

	if useTLS {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Initialize is a no-op - tables are managed via migrations
func (db *ClickHouseDB) Initialize(ctx context.Context) error {
	return nil
}

// RecordInteraction inserts one interaction row
func (db *ClickHouseDB) RecordInteraction(ctx context.Context, i models.Interaction) error {
	createdAt := i.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := db.conn.Exec(ctx, `INSERT INTO interactions (created_at, chat_id, update_id, class, status, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		createdAt, i.ChatID, int64(i.UpdateID), i.Class, i.Status, i.Error, uint64(i.Duration.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

// RecentInteractions returns the newest interactions of a chat
func (db *ClickHouseDB) RecentInteractions(ctx context.Context, chatID int64, limit int) ([]models.Interaction, error) {
	rows, err := db.conn.Query(ctx, `
		SELECT created_at, chat_id, update_id, class, status, error, duration_ms
		FROM interactions
		WHERE chat_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var (
			i          models.Interaction
			updateID   int64
			durationMs uint64
		)
		if err := rows.Scan(&i.CreatedAt, &i.ChatID, &updateID, &i.Class, &i.Status, &i.Error, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		i.UpdateID = int(updateID)
		i.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, i)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
