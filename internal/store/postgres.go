package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/duet/internal/session"
)

// PostgresStore persists session history and final reports in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_kind TEXT NOT NULL,
			content TEXT NOT NULL,
			flags TEXT NOT NULL DEFAULT '',
			contribution DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_session_created
			ON conversation_messages (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS session_reports (
			session_id TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			overall DOUBLE PRECISION NOT NULL,
			report JSONB NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg session.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_messages (id, session_id, sender_id, sender_kind, content, flags, contribution, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID,
		msg.SessionID,
		msg.SenderID,
		string(msg.SenderKind),
		msg.Content,
		strings.Join(msg.Flags, ","),
		msg.Contribution,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinalizeSession(ctx context.Context, report FinalReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode final report: %w", err)
	}
	if report.EndedAt.IsZero() {
		report.EndedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_reports (session_id, participant_a, participant_b, kind, reason, overall, report, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE SET reason = $5, overall = $6, report = $7, ended_at = $8`,
		report.Session.ID,
		report.Session.ParticipantA,
		report.Session.ParticipantB,
		string(report.Session.Kind),
		report.Reason,
		report.Compatibility.Overall,
		payload,
		report.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
