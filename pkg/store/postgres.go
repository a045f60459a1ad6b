package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxhall/relay/pkg/errorsx"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateCall(ctx context.Context, call Call) (Call, error) {
	const q = `
INSERT INTO calls (provider_call_id, from_number, to_number, direction, status, started_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
ON CONFLICT (provider_call_id) DO UPDATE SET status = CASE
    WHEN calls.status IN ('completed', 'failed', 'canceled', 'busy', 'no-answer') THEN calls.status
    ELSE EXCLUDED.status
END
RETURNING id, started_at
`
	var startedAt any
	if !call.StartedAt.IsZero() {
		startedAt = call.StartedAt
	}
	err := p.pool.QueryRow(ctx, q,
		call.ProviderCallID,
		call.FromNumber,
		call.ToNumber,
		call.Direction,
		call.Status,
		startedAt,
	).Scan(&call.ID, &call.StartedAt)
	if err != nil {
		return Call{}, errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	return call, nil
}

func (p *Postgres) CallByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	const q = `
SELECT id, provider_call_id, from_number, to_number, direction, status,
       started_at, ended_at, duration_seconds, recording_url
FROM calls
WHERE provider_call_id = $1
`
	var c Call
	err := p.pool.QueryRow(ctx, q, providerCallID).Scan(
		&c.ID,
		&c.ProviderCallID,
		&c.FromNumber,
		&c.ToNumber,
		&c.Direction,
		&c.Status,
		&c.StartedAt,
		&c.EndedAt,
		&c.DurationSeconds,
		&c.RecordingURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	return c, nil
}

// UpdateCallStatus applies a lifecycle change. A row already at a terminal
// status keeps it, so a delayed out-of-order callback cannot revive an
// ended call.
func (p *Postgres) UpdateCallStatus(ctx context.Context, providerCallID string, status Status, endedAt *time.Time, durationSeconds int) error {
	const q = `
UPDATE calls
SET status = CASE
        WHEN status IN ('completed', 'failed', 'canceled', 'busy', 'no-answer') THEN status
        ELSE $2
    END,
    ended_at = COALESCE($3, ended_at),
    duration_seconds = CASE WHEN $4 > 0 THEN $4 ELSE duration_seconds END
WHERE provider_call_id = $1
`
	tag, err := p.pool.Exec(ctx, q, providerCallID, status, endedAt, durationSeconds)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertTranscript(ctx context.Context, callID string, role Role, text string) (Transcript, error) {
	const q = `
INSERT INTO transcripts (call_id, role, text)
VALUES ($1, $2, $3)
RETURNING id, created_at
`
	t := Transcript{CallID: callID, Role: role, Text: text}
	if err := p.pool.QueryRow(ctx, q, callID, role, text).Scan(&t.ID, &t.CreatedAt); err != nil {
		return Transcript{}, errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	return t, nil
}

func (p *Postgres) InsertSuggestion(ctx context.Context, callID string, text string) (Suggestion, error) {
	const q = `
INSERT INTO suggestions (call_id, text)
VALUES ($1, $2)
RETURNING id, created_at
`
	s := Suggestion{CallID: callID, Text: text}
	if err := p.pool.QueryRow(ctx, q, callID, text).Scan(&s.ID, &s.CreatedAt); err != nil {
		return Suggestion{}, errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	return s, nil
}

func (p *Postgres) RecentTranscripts(ctx context.Context, callID string, role Role, since time.Time, limit int) ([]Transcript, error) {
	const q = `
SELECT id, call_id, role, text, created_at
FROM (
    SELECT id, call_id, role, text, created_at
    FROM transcripts
    WHERE call_id = $1 AND role = $2 AND created_at >= $3
    ORDER BY created_at DESC
    LIMIT $4
) recent
ORDER BY created_at ASC
`
	rows, err := p.pool.Query(ctx, q, callID, role, since, limit)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	defer rows.Close()
	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.ID, &t.CallID, &t.Role, &t.Text, &t.CreatedAt); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonPersistence)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	return out, nil
}

func (p *Postgres) LastSuggestionAt(ctx context.Context, callID string) (time.Time, error) {
	const q = `
SELECT created_at
FROM suggestions
WHERE call_id = $1
ORDER BY created_at DESC
LIMIT 1
`
	var at time.Time
	err := p.pool.QueryRow(ctx, q, callID).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, errorsx.Wrap(err, errorsx.ReasonPersistence)
	}
	return at, nil
}

var _ Store = (*Postgres)(nil)
