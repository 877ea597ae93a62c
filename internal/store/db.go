package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("database handle closed")

// DB is the process-wide connection handle. It is opened on first use and
// reused until Close; concurrent first callers share one open attempt.
type DB struct {
	dsn            string
	maxConns       int
	pingAttempts   int
	pingInterval   time.Duration
	connectTimeout time.Duration
	logger         *logrus.Logger

	open  func(driver, dsn string) (*sql.DB, error)
	group singleflight.Group

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

func NewDB(dsn string, maxConns int, logger *logrus.Logger) *DB {
	return &DB{
		dsn:          dsn,
		maxConns:     maxConns,
		pingAttempts:   30,
		pingInterval:   2 * time.Second,
		connectTimeout: 90 * time.Second,
		logger:         logger,
		open:           sql.Open,
	}
}

// Handle returns the shared *sql.DB, opening it if needed.
func (d *DB) Handle(ctx context.Context) (*sql.DB, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrClosed
	}
	if d.db != nil {
		db := d.db
		d.mu.RUnlock()
		return db, nil
	}
	d.mu.RUnlock()

	ch := d.group.DoChan("connect", func() (interface{}, error) {
		d.mu.RLock()
		existing := d.db
		d.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		// The attempt is shared, so it must not end with the caller that
		// happened to start it.
		connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.connectTimeout)
		defer cancel()

		db, err := d.connect(connectCtx)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			db.Close()
			return nil, ErrClosed
		}
		d.db = db
		return db, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	}
}

func (d *DB) connect(ctx context.Context) (*sql.DB, error) {
	db, err := d.open("postgres", d.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
		db.SetMaxIdleConns(d.maxConns)
	}

	// Wait for database to be ready
	var pingErr error
	for i := 0; i < d.pingAttempts; i++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			d.logger.Info("Database connection established")
			return db, nil
		}
		d.logger.WithField("attempt", i+1).Info("Waiting for database...")

		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(d.pingInterval):
		}
	}

	db.Close()
	return nil, fmt.Errorf("database not reachable after %d attempts: %w", d.pingAttempts, pingErr)
}

func (d *DB) Ping(ctx context.Context) error {
	db, err := d.Handle(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
