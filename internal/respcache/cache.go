// Package respcache persists GET responses in a local sqlite database so the
// host can keep rendering while the device is offline.
package respcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"collabkit/internal/httpclient"
	"collabkit/internal/logging"
	"collabkit/internal/network"
)

const (
	lockFileName     = "cache.lock"
	databaseFileName = "responses.db"
	maxBodyBytes     = 8 << 20
)

var (
	ErrLocked = errors.New("respcache: cache directory is in use by another process")
	ErrMiss   = errors.New("respcache: no cached response")
	ErrClosed = errors.New("respcache: cache closed")
)

const schema = `CREATE TABLE IF NOT EXISTS responses (
	url          TEXT PRIMARY KEY,
	status       INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	body         BLOB NOT NULL,
	stored_at    INTEGER NOT NULL
)`

type Entry struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
	StoredAt    time.Time
	// Cached is set when Fetch served the entry from disk.
	Cached bool
}

// Getter is the subset of httpclient.Client that Fetch needs.
type Getter interface {
	Get(ctx context.Context, url string, opts ...httpclient.RequestOption) (*http.Response, error)
}

type Cache struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *logging.Logger

	offline atomic.Bool

	mu         sync.Mutex
	aggregator *network.Aggregator
	listener   network.ListenerID
	closed     bool
}

// Open locks dir for this process and opens the response database in it.
func Open(dir string, logger *logging.Logger) (*Cache, error) {
	if logger == nil {
		panic("respcache.Open: logger must not be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire cache lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, databaseFileName))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("prepare cache database: %w", err)
		}
	}

	logger = logger.Named("respcache")
	logger.Debug("response cache opened", logging.Field("dir", dir))
	return &Cache{db: db, lock: lock, logger: logger}, nil
}

func (c *Cache) Put(ctx context.Context, e Entry) error {
	if c.isClosed() {
		return ErrClosed
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO responses (url, status, content_type, body, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			status = excluded.status,
			content_type = excluded.content_type,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		e.URL, e.Status, e.ContentType, body, e.StoredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store %s: %w", e.URL, err)
	}
	return nil
}

// Lookup returns the stored entry for url. ok is false on a miss.
func (c *Cache) Lookup(ctx context.Context, url string) (Entry, bool, error) {
	if c.isClosed() {
		return Entry{}, false, ErrClosed
	}
	var (
		e        Entry
		storedAt int64
	)
	row := c.db.QueryRowContext(ctx, `SELECT url, status, content_type, body, stored_at FROM responses WHERE url = ?`, url)
	if err := row.Scan(&e.URL, &e.Status, &e.ContentType, &e.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("lookup %s: %w", url, err)
	}
	e.StoredAt = time.UnixMilli(storedAt)
	return e, true, nil
}

// Attach follows the aggregator so Fetch knows when the device is offline.
// Attaching again replaces the previous aggregator.
func (c *Cache) Attach(agg *network.Aggregator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.aggregator != nil {
		c.aggregator.RemoveListener(c.listener)
	}
	c.aggregator = agg
	c.offline.Store(agg.Status().State == network.StateOffline)
	c.listener = agg.AddListener(func(s network.Status) {
		offline := s.State == network.StateOffline
		if c.offline.Swap(offline) != offline {
			c.logger.Debug("cache network mode changed", logging.Field("offline", offline))
		}
	})
}

func (c *Cache) Offline() bool {
	return c.offline.Load()
}

// Fetch serves url from disk while offline. Otherwise it fetches through g,
// stores 2xx responses, and falls back to disk when the request fails.
func (c *Cache) Fetch(ctx context.Context, g Getter, url string) (Entry, error) {
	if c.Offline() {
		return c.cached(ctx, url)
	}
	resp, err := g.Get(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return Entry{}, err
		}
		c.logger.Warn("fetch failed, trying cache", logging.Field("url", url), logging.Field("error", err.Error()))
		if entry, cacheErr := c.cached(ctx, url); cacheErr == nil {
			return entry, nil
		}
		return Entry{}, err
	}
	defer resp.Body.Close()

	entry, err := ReadEntry(url, resp)
	if err != nil {
		return Entry{}, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := c.Put(ctx, entry); err != nil {
			c.logger.Warn("cache write failed", logging.Field("url", url), logging.Field("error", err.Error()))
		}
	}
	return entry, nil
}

// ReadEntry reads resp into an entry stored under url. The caller closes the
// body.
func ReadEntry(url string, resp *http.Response) (Entry, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Entry{}, fmt.Errorf("read %s: %w", url, err)
	}
	return Entry{
		URL:         url,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		StoredAt:    time.Now(),
	}, nil
}

func (c *Cache) cached(ctx context.Context, url string) (Entry, error) {
	entry, ok, err := c.Lookup(ctx, url)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w for %s", ErrMiss, url)
	}
	entry.Cached = true
	return entry, nil
}

// Close detaches from the network, closes the database and releases the
// directory lock. Later calls are no-ops.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.aggregator != nil {
		c.aggregator.RemoveListener(c.listener)
		c.aggregator = nil
	}
	c.mu.Unlock()

	var errs []error
	if err := c.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache database: %w", err))
	}
	if err := c.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("release cache lock: %w", err))
	}
	c.logger.Debug("response cache closed")
	return errors.Join(errs...)
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
