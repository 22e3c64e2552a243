package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore keeps one row per job in dispatch_sessions. The session
// body is stored as JSON; the offered_at column is denormalized so the
// offer-timeout sweep is a single indexed query.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Save(ctx context.Context, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var offeredAt sql.NullTime
	if cur, ok := s.Current(); ok && cur.State == StateOffered && cur.OfferedAt != nil {
		offeredAt = sql.NullTime{Time: *cur.OfferedAt, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dispatch_sessions(job_id, session_id, data, closed, offered_at, created_at, expires_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (job_id) DO UPDATE SET
			session_id=EXCLUDED.session_id, data=EXCLUDED.data, closed=EXCLUDED.closed,
			offered_at=EXCLUDED.offered_at, created_at=EXCLUDED.created_at, expires_at=EXCLUDED.expires_at`,
		s.JobID, s.ID, b, s.Closed, offeredAt, s.CreatedAt, s.ExpiresAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, jobID string) (*Session, error) {
	var b []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM dispatch_sessions WHERE job_id=$1`, jobID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) Delete(ctx context.Context, jobID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM dispatch_sessions WHERE job_id=$1`, jobID)
	return err
}

func (p *PostgresStore) OpenOffers(ctx context.Context, olderThan time.Time) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT data FROM dispatch_sessions
		WHERE closed=false AND offered_at IS NOT NULL AND offered_at < $1`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var s Session
		if err := json.Unmarshal(b, &s); err != nil {
			continue
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
