package lock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresService implements Service on Postgres advisory locks, giving
// mutual exclusion across every engine instance sharing the database.
//
// Advisory locks are session-scoped, so each lease pins one pooled
// connection until released; the ttl argument is advisory only, the lock is
// held until Release or connection loss.
type PostgresService struct {
	pool *pgxpool.Pool
}

func NewPostgresService(pool *pgxpool.Pool) *PostgresService {
	return &PostgresService{pool: pool}
}

func (s *PostgresService) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return &postgresLease{conn: conn, key: key}, true, nil
}

type postgresLease struct {
	conn *pgxpool.Conn
	key  string
}

func (l *postgresLease) Release(ctx context.Context) error {
	defer l.conn.Release()
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key)
	return err
}
