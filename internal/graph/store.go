// Package graph implements the entity graph store: CRUD over typed,
// versioned entities and typed relationships between them, with
// merge-on-duplicate semantics and whole-graph export/import.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/seralabs/researchmem/internal/apptype"
)

// Store handles all entity graph operations against the embedded store.
// It enforces single-writer, multi-reader discipline internally; callers
// never need to serialize access themselves.
type Store struct {
	config *Config
	db     *sql.DB

	// writeMu serializes read-then-write critical sections (duplicate
	// detection followed by merge or insert) so two concurrent inserts of
	// the same logical entity cannot both create rows.
	writeMu sync.Mutex

	entropyMu sync.Mutex
	entropy   *rand.Rand

	closeOnce sync.Once
	closeErr  error
}

// NewStore opens (or creates) the graph database and applies the schema.
func NewStore(config *Config) (*Store, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	dbURL := config.URL
	if !strings.HasPrefix(dbURL, "file:") && config.AuthToken != "" {
		if u, perr := url.Parse(dbURL); perr == nil {
			q := u.Query()
			q.Set("authToken", config.AuthToken)
			u.RawQuery = q.Encode()
			dbURL = u.String()
		}
	}

	db, err := sql.Open("libsql", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}

	s := &Store{
		config:  config,
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}

	return s, nil
}

// initialize creates tables and indexes if they don't exist.
func (s *Store) initialize() error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for initialization: %w", err)
	}
	defer tx.Rollback()

	for _, statement := range schema {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return tx.Commit()
}

// newID generates a sortable unique identifier.
func (s *Store) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Close releases the underlying connection. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			s.closeErr = apptype.NewBackingStoreError("close", err)
		}
	})
	return s.closeErr
}
