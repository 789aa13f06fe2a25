// Package store persists the audit trail of queries, attempts and synthesis
// results in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/quorumhq/quorum/internal/orchestrate"
	"github.com/quorumhq/quorum/internal/synthesis"
)

type Store struct {
	DB *sql.DB
}

// New constructs the Store from environment settings.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// QueryRecord is the persisted view of a dispatched query.
type QueryRecord struct {
	ID             string
	UserID         string
	ParentID       string
	OriginalPrompt string
	RefinedPrompt  string
	Services       []string
	Rubric         json.RawMessage
	MaxRetries     int
	CreatedAt      time.Time
}

// SaveQuery records a dispatched query. userID may be empty for CLI use.
func (s *Store) SaveQuery(ctx context.Context, userID string, req orchestrate.QueryRequest) error {
	services, err := json.Marshal(req.TargetServices)
	if err != nil {
		return fmt.Errorf("marshal services: %w", err)
	}
	rubricJSON, err := json.Marshal(req.Rubric)
	if err != nil {
		return fmt.Errorf("marshal rubric: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO queries (id, user_id, parent_id, original_prompt, refined_prompt, services, rubric, max_retries, created_at)
VALUES ($1,NULLIF($2,''),NULLIF($3,''),$4,$5,$6,$7,$8,$9)`,
		req.ID, userID, req.ParentID, req.OriginalPrompt, req.RefinedPrompt, services, rubricJSON, req.MaxRetriesPerService, req.CreatedAt)
	return err
}

func (s *Store) GetQuery(ctx context.Context, id string) (QueryRecord, bool, error) {
	var (
		rec      QueryRecord
		userID   sql.NullString
		parentID sql.NullString
		services []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, parent_id, original_prompt, refined_prompt, services, rubric, max_retries, created_at
FROM queries WHERE id=$1`, id).
		Scan(&rec.ID, &userID, &parentID, &rec.OriginalPrompt, &rec.RefinedPrompt, &services, &rec.Rubric, &rec.MaxRetries, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return QueryRecord{}, false, nil
	}
	if err != nil {
		return QueryRecord{}, false, err
	}
	rec.UserID = userID.String
	rec.ParentID = parentID.String
	if err := json.Unmarshal(services, &rec.Services); err != nil {
		return QueryRecord{}, false, fmt.Errorf("unmarshal services: %w", err)
	}
	return rec, true, nil
}

func (s *Store) ListQueries(ctx context.Context, userID string, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, original_prompt, refined_prompt, max_retries, created_at
FROM queries WHERE ($1 = '' OR user_id::text = $1) ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		if err := rows.Scan(&rec.ID, &rec.OriginalPrompt, &rec.RefinedPrompt, &rec.MaxRetries, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveAttempt appends one settled attempt to the audit trail.
func (s *Store) SaveAttempt(ctx context.Context, att orchestrate.ServiceAttempt) error {
	citations, err := json.Marshal(att.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	validation, err := json.Marshal(att.Validation)
	if err != nil {
		return fmt.Errorf("marshal validation: %w", err)
	}
	var endedAt *time.Time
	if !att.EndedAt.IsZero() {
		endedAt = &att.EndedAt
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO attempts (query_id, service_id, attempt_number, status, failure_reason, detail, response_text, citations, validation, started_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		att.QueryID, att.ServiceID, att.AttemptNumber, string(att.Status), string(att.FailureReason),
		att.Detail, att.Response.Text, citations, validation, att.StartedAt, endedAt)
	return err
}

func (s *Store) ListAttempts(ctx context.Context, queryID string) ([]orchestrate.ServiceAttempt, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT query_id, service_id, attempt_number, status, failure_reason, detail, response_text, citations, validation, started_at, ended_at
FROM attempts WHERE query_id=$1 ORDER BY id`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []orchestrate.ServiceAttempt
	for rows.Next() {
		var (
			att        orchestrate.ServiceAttempt
			status     string
			reason     string
			citations  []byte
			validation []byte
			endedAt    sql.NullTime
		)
		if err := rows.Scan(&att.QueryID, &att.ServiceID, &att.AttemptNumber, &status, &reason,
			&att.Detail, &att.Response.Text, &citations, &validation, &att.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		att.Status = orchestrate.AttemptStatus(status)
		att.FailureReason = orchestrate.FailureReason(reason)
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &att.Citations); err != nil {
				return nil, fmt.Errorf("unmarshal citations: %w", err)
			}
		}
		if len(validation) > 0 && string(validation) != "null" {
			if err := json.Unmarshal(validation, &att.Validation); err != nil {
				return nil, fmt.Errorf("unmarshal validation: %w", err)
			}
		}
		if endedAt.Valid {
			att.EndedAt = endedAt.Time
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// SaveSynthesis stores the merged result for a query, replacing any prior one.
func (s *Store) SaveSynthesis(ctx context.Context, res synthesis.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal synthesis: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO syntheses (query_id, result, created_at)
VALUES ($1,$2,$3)
ON CONFLICT (query_id) DO UPDATE SET result = EXCLUDED.result, created_at = EXCLUDED.created_at`,
		res.QueryID, payload, res.CreatedAt)
	return err
}

func (s *Store) GetSynthesis(ctx context.Context, queryID string) (synthesis.Result, bool, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT result FROM syntheses WHERE query_id=$1`, queryID).Scan(&payload)
	if err == sql.ErrNoRows {
		return synthesis.Result{}, false, nil
	}
	if err != nil {
		return synthesis.Result{}, false, err
	}
	var res synthesis.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return synthesis.Result{}, false, fmt.Errorf("unmarshal synthesis: %w", err)
	}
	return res, true, nil
}
