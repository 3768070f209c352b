package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultQuery must select exactly one text column (the role) for $1 = identity id.
const DefaultQuery = `SELECT role FROM users WHERE id = $1 AND NOT disabled`

// Querier is the subset of *pgxpool.Pool the resolver needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres resolves roles from a users table.
type Postgres struct {
	db    Querier
	query string
	close func()
}

// NewPostgres wraps an existing querier (pool, conn or test double).
func NewPostgres(db Querier, query string) *Postgres {
	if query == "" {
		query = DefaultQuery
	}
	return &Postgres{db: db, query: query, close: func() {}}
}

// OpenPostgres opens and pings a pgx pool.
func OpenPostgres(ctx context.Context, dsn, query string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	p := NewPostgres(pool, query)
	p.close = pool.Close
	return p, nil
}

func (p *Postgres) Close() { p.close() }

func (p *Postgres) Role(ctx context.Context, identityID string) (string, error) {
	var role string
	if err := p.db.QueryRow(ctx, p.query, identityID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownIdentity
		}
		return "", fmt.Errorf("resolver: query role: %w", err)
	}
	return role, nil
}
