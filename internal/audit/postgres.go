package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the audit table used by PostgresSink.
const Schema = `CREATE TABLE IF NOT EXISTS audit_events (
	event_id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	payload JSONB NOT NULL,
	integrity_sha256 TEXT NOT NULL
)`

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink appends events to audit_events with a tamper-evidence digest.
type PostgresSink struct {
	db Execer
}

// NewPostgresSink returns a sink writing through db.
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the audit table if missing.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create audit_events: %w", err)
	}
	return nil
}

// Record implements Sink.
func (s *PostgresSink) Record(ctx context.Context, event Event) error {
	if s == nil || s.db == nil {
		return errors.New("postgres audit sink is not configured")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := Integrity(event, payloadJSON)
	if err != nil {
		return err
	}

	var id int64
	err = s.db.QueryRow(ctx,
		`INSERT INTO audit_events (occurred_at, source, severity, message, payload, integrity_sha256)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING event_id`,
		event.Timestamp.UTC(),
		strings.TrimSpace(event.Source),
		string(event.Severity),
		event.Message,
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Integrity is the SHA-256 over the canonical JSON of the event.
func Integrity(event Event, payloadJSON []byte) (string, error) {
	in := struct {
		OccurredAt time.Time       `json:"occurred_at"`
		Source     string          `json:"source"`
		Severity   string          `json:"severity"`
		Message    string          `json:"message"`
		Payload    json.RawMessage `json:"payload"`
	}{
		OccurredAt: event.Timestamp.UTC(),
		Source:     strings.TrimSpace(event.Source),
		Severity:   string(event.Severity),
		Message:    event.Message,
		Payload:    payloadJSON,
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
