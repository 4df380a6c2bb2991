package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/edclient/edclient/internal/logging"
	"github.com/edclient/edclient/internal/metrics"
)

const schema = `CREATE TABLE IF NOT EXISTS mirrored_files (
	key         TEXT PRIMARY KEY,
	remote_id   TEXT NOT NULL,
	size        BIGINT NOT NULL,
	mirrored_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres is a Ledger stored in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to databaseURL and creates the ledger table if needed.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger table: %w", err)
	}

	logging.Info("ledger connected", zap.String("backend", "postgres"))
	return &Postgres{db: db}, nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Seen(ctx context.Context, key, remoteID string, size int64) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordLedgerQuery("seen", time.Since(start)) }()

	var id string
	var sz int64
	err := p.db.QueryRowContext(ctx,
		`SELECT remote_id, size FROM mirrored_files WHERE key = $1`, key).Scan(&id, &sz)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return id == remoteID && sz == size, nil
}

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	start := time.Now()
	defer func() { metrics.RecordLedgerQuery("record", time.Since(start)) }()

	if e.MirroredAt.IsZero() {
		e.MirroredAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO mirrored_files (key, remote_id, size, mirrored_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET
			remote_id = EXCLUDED.remote_id,
			size = EXCLUDED.size,
			mirrored_at = EXCLUDED.mirrored_at`,
		e.Key, e.RemoteID, e.Size, e.MirroredAt)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Key, err)
	}
	return nil
}

// Count returns the number of recorded files.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mirrored_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return n, nil
}
