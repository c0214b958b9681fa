package escrowd

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// IdempotencyStore caches the responses of mutating requests keyed by caller
// and Idempotency-Key header.
type IdempotencyStore struct {
	db    *sql.DB
	ttl   time.Duration
	nowFn func() time.Time
}

// OpenIdempotencyStore opens (or creates) the SQLite database at path. A zero
// ttl keeps entries forever.
func OpenIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &IdempotencyStore{db: db, ttl: ttl, nowFn: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *IdempotencyStore) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
            caller TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at INTEGER NOT NULL,
            PRIMARY KEY(caller, idempotency_key)
        );`
	_, err := s.db.Exec(schema)
	return err
}

func (s *IdempotencyStore) Close() error {
	return s.db.Close()
}

// Lookup returns the cached response for (caller, key) or nil when none is
// stored. Expired entries are treated as absent.
func (s *IdempotencyStore) Lookup(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash, created_at FROM idempotency_keys WHERE caller = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, caller, key)
	var status int
	var body []byte
	var storedHash string
	var createdAt int64
	err := row.Scan(&status, &body, &storedHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.expired(createdAt) {
		return nil, nil
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// Save records the response produced for (caller, key).
func (s *IdempotencyStore) Save(ctx context.Context, caller, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(caller, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx, stmt, caller, key, requestHash, status, body, s.nowFn().Unix())
	return err
}

// Prune deletes entries older than the configured ttl and reports how many
// rows were removed.
func (s *IdempotencyStore) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.nowFn().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

func (s *IdempotencyStore) expired(createdAt int64) bool {
	if s.ttl <= 0 {
		return false
	}
	return s.nowFn().Sub(time.Unix(createdAt, 0)) > s.ttl
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}

// keyLocks serialises requests sharing a caller and Idempotency-Key so only
// the first runs the handler; the rest replay its saved response.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) acquire(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
