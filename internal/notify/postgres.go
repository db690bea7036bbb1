package notify

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConnector rides on LISTEN/NOTIFY of the shared database. The pool is owned
// by the caller and never closed here.
type PostgresConnector struct {
	pool *pgxpool.Pool
}

// NewPostgresConnector wraps an existing pool.
func NewPostgresConnector(pool *pgxpool.Pool) *PostgresConnector {
	return &PostgresConnector{pool: pool}
}

// Connect acquires a connection and removes it from pool rotation for the listener.
func (c *PostgresConnector) Connect(ctx context.Context) (Listener, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresListener{conn: conn}, nil
}

// Publish issues pg_notify on any pooled connection.
func (c *PostgresConnector) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
	return err
}

type postgresListener struct {
	conn      *pgxpool.Conn
	closeOnce sync.Once
	closeErr  error
}

func (l *postgresListener) Listen(ctx context.Context, channel string) error {
	_, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (l *postgresListener) WaitForNotification(ctx context.Context) ([]byte, error) {
	notification, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(notification.Payload), nil
}

// Close hijacks the connection so its LISTEN state never returns to the pool.
func (l *postgresListener) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Hijack().Close(ctx)
	})
	return l.closeErr
}
