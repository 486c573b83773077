package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrAdminSet is returned by SetAdmin when an administrator has already been
// persisted. The administrator is write-once.
var ErrAdminSet = errors.New("administrator already set")

// Store persists the administrator identity and the identity -> expiry
// mapping. Entries are point-addressed; nothing ever iterates the key space.
type Store interface {
	Admin(ctx context.Context) (string, error)
	SetAdmin(ctx context.Context, admin string) error

	GetExpiry(ctx context.Context, identity string) (uint64, bool, error)
	PutExpiry(ctx context.Context, identity string, expiryNS uint64) error

	Close() error
}

type MemoryStore struct {
	mu      sync.Mutex
	admin   string
	entries map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]uint64)}
}

func (m *MemoryStore) Admin(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admin, nil
}

func (m *MemoryStore) SetAdmin(ctx context.Context, admin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admin != "" {
		return ErrAdminSet
	}
	m.admin = admin
	return nil
}

func (m *MemoryStore) GetExpiry(ctx context.Context, identity string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, found := m.entries[identity]
	return expiry, found, nil
}

func (m *MemoryStore) PutExpiry(ctx context.Context, identity string, expiryNS uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[identity] = expiryNS
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path and brings its
// schema up to date before returning.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Admin(ctx context.Context) (string, error) {
	var admin string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM ledger_meta WHERE key = 'admin'`).Scan(&admin)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return admin, nil
}

func (s *SQLiteStore) SetAdmin(ctx context.Context, admin string) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES ('admin', ?)
		 ON CONFLICT(key) DO NOTHING`, admin)
	if err != nil {
		return fmt.Errorf("failed to set administrator: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAdminSet
	}
	return nil
}

func (s *SQLiteStore) GetExpiry(ctx context.Context, identity string) (uint64, bool, error) {
	var expiry int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expiry_ns FROM licenses WHERE identity = ?`, identity).Scan(&expiry)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	// Stored as a signed SQLite INTEGER; reinterpreting the bits preserves
	// the full unsigned range.
	return uint64(expiry), true, nil
}

func (s *SQLiteStore) PutExpiry(ctx context.Context, identity string, expiryNS uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO licenses (identity, expiry_ns) VALUES (?, ?)`,
		identity, int64(expiryNS))
	if err != nil {
		return fmt.Errorf("failed to save license entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
