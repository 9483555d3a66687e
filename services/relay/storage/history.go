package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/xilidan/relay/services/relay/entity"
)

// HistoryStore records the outcome of each end-of-session run.
type HistoryStore interface {
	Record(ctx context.Context, rec *entity.ProcessingRecord) error
	Close() error
}

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS relay_processing_history (
	processing_id UUID PRIMARY KEY,
	stream_id     TEXT NOT NULL,
	meeting_id    TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	audio_url     TEXT NOT NULL DEFAULT '',
	duration      INTEGER NOT NULL DEFAULT 0,
	participants  INTEGER NOT NULL DEFAULT 0,
	processed_at  TIMESTAMPTZ NOT NULL
)`

const insertHistory = `
INSERT INTO relay_processing_history
	(processing_id, stream_id, meeting_id, user_id, status, error, audio_url, duration, participants, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

type postgresHistory struct {
	db *sql.DB
}

// NewPostgresHistory opens dsn with lib/pq and makes sure the history table exists.
func NewPostgresHistory(ctx context.Context, dsn string) (HistoryStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed opening connection to postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createHistoryTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed creating history table: %w", err)
	}
	return &postgresHistory{db: db}, nil
}

func (p *postgresHistory) Record(ctx context.Context, rec *entity.ProcessingRecord) error {
	_, err := p.db.ExecContext(ctx, insertHistory,
		rec.ProcessingID,
		rec.StreamID,
		rec.MeetingID,
		rec.UserID,
		string(rec.Status),
		rec.Error,
		rec.AudioURL,
		rec.Duration,
		rec.Participants,
		rec.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert processing record: %w", err)
	}
	return nil
}

func (p *postgresHistory) Close() error {
	return p.db.Close()
}

type nopHistory struct{}

// NopHistory discards every record. Used when no database is configured.
func NopHistory() HistoryStore {
	return nopHistory{}
}

func (nopHistory) Record(context.Context, *entity.ProcessingRecord) error { return nil }
func (nopHistory) Close() error                                         { return nil }
