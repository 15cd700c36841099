package restore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"homehelpers/internal/clock"
	"homehelpers/internal/ha"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const (
	// DefaultDumpInterval is how often StartPeriodicDump persists states
	DefaultDumpInterval = 15 * time.Minute

	dirPermissions  = 0750
	filePermissions = 0600

	busyTimeoutMs     = 5000
	connectionTimeout = 5 * time.Second
	dumpTimeout       = 30 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS restore_state (
	entity_id       TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	attributes      TEXT NOT NULL DEFAULT '{}',
	last_changed    TEXT NOT NULL,
	last_updated    TEXT NOT NULL,
	context_id      TEXT NOT NULL DEFAULT '',
	context_user_id TEXT NOT NULL DEFAULT '',
	saved_at        TEXT NOT NULL
)`

const upsertState = `
INSERT INTO restore_state
	(entity_id, state, attributes, last_changed, last_updated, context_id, context_user_id, saved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(entity_id) DO UPDATE SET
	state = excluded.state,
	attributes = excluded.attributes,
	last_changed = excluded.last_changed,
	last_updated = excluded.last_updated,
	context_id = excluded.context_id,
	context_user_id = excluded.context_user_id,
	saved_at = excluded.saved_at`

const (
	selectEntityIDs = `SELECT entity_id FROM restore_state`
	deleteState     = `DELETE FROM restore_state WHERE entity_id = ?`
)

const selectStates = `
SELECT entity_id, state, attributes, last_changed, last_updated, context_id, context_user_id
FROM restore_state`

// Config contains store options
type Config struct {
	// Path is the SQLite file. Its directory is created if missing.
	Path string

	// Domains lists the entity domains that are persisted
	Domains []string

	// Interval between periodic dumps. Zero means DefaultDumpInterval.
	Interval time.Duration
}

// Store persists the last state of restorable entities in SQLite
type Store struct {
	db       *sql.DB
	path     string
	domains  map[string]bool
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	timer  clock.Timer
	closed bool
}

// Open opens (creating if needed) the store at cfg.Path
func Open(cfg Config, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDumpInterval
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, busyTimeoutMs)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating restore_state table: %w", err)
	}

	_ = os.Chmod(cfg.Path, filePermissions)

	domains := make(map[string]bool, len(cfg.Domains))
	for _, d := range cfg.Domains {
		domains[strings.ToLower(d)] = true
	}

	return &Store{
		db:       db,
		path:     cfg.Path,
		domains:  domains,
		interval: cfg.Interval,
		clock:    clk,
		logger:   logger.Named("restore"),
	}, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Load reads every persisted state into a MemoryCache
func (s *Store) Load(ctx context.Context) (*MemoryCache, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, selectStates)
	if err != nil {
		return nil, fmt.Errorf("querying restore states: %w", err)
	}
	defer rows.Close()

	cache := NewMemoryCache()
	for rows.Next() {
		var (
			state                    ha.State
			attrs                    string
			lastChanged, lastUpdated string
			contextID, contextUserID string
		)
		if err := rows.Scan(&state.EntityID, &state.State, &attrs, &lastChanged, &lastUpdated, &contextID, &contextUserID); err != nil {
			return nil, fmt.Errorf("scanning restore state: %w", err)
		}

		if err := json.Unmarshal([]byte(attrs), &state.Attributes); err != nil {
			s.logger.Warn("Skipping restore state with unreadable attributes",
				zap.String("entity_id", state.EntityID),
				zap.Error(err))
			continue
		}
		state.LastChanged = parseTime(lastChanged)
		state.LastUpdated = parseTime(lastUpdated)
		if contextID != "" {
			state.Context = &ha.Context{ID: contextID, UserID: contextUserID}
		}

		cache.Put(&state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating restore states: %w", err)
	}

	s.logger.Info("Loaded restore states", zap.Int("count", cache.Len()))
	return cache, nil
}

// Dump makes the stored rows of persisted domains match states in one
// transaction: every given state is upserted and rows for entities that are
// no longer present are deleted. It returns how many states were written.
func (s *Store) Dump(ctx context.Context, states []*ha.State) (int, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, upsertState)
	if err != nil {
		return 0, fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	savedAt := formatTime(s.clock.Now())
	written := 0
	present := make(map[string]bool, len(states))
	for _, state := range states {
		if state == nil || !s.persisted(state) {
			continue
		}
		present[state.EntityID] = true

		attrs, err := json.Marshal(state.Attributes)
		if err != nil {
			return 0, fmt.Errorf("encoding attributes of %s: %w", state.EntityID, err)
		}
		if state.Attributes == nil {
			attrs = []byte("{}")
		}

		var contextID, contextUserID string
		if state.Context != nil {
			contextID, contextUserID = state.Context.ID, state.Context.UserID
		}

		if _, err := stmt.ExecContext(ctx,
			state.EntityID,
			state.State,
			string(attrs),
			formatTime(state.LastChanged),
			formatTime(state.LastUpdated),
			contextID,
			contextUserID,
			savedAt,
		); err != nil {
			return 0, fmt.Errorf("writing restore state for %s: %w", state.EntityID, err)
		}
		written++
	}

	removed, err := s.deleteAbsent(ctx, tx, present)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Debug("Dropped restore states of removed entities", zap.Int("count", removed))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing restore states: %w", err)
	}
	return written, nil
}

// StartPeriodicDump dumps hass states every interval and once more when
// hass stops
func (s *Store) StartPeriodicDump(hass *ha.Hass) {
	s.schedule(hass)

	hass.OnStop(func(ctx context.Context) {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()

		s.dumpNow(ctx, hass)
	})
}

func (s *Store) schedule(hass *ha.Hass) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.timer = s.clock.AfterFunc(s.interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), dumpTimeout)
		s.dumpNow(ctx, hass)
		cancel()
		s.schedule(hass)
	})
}

func (s *Store) dumpNow(ctx context.Context, hass *ha.Hass) {
	n, err := s.Dump(ctx, hass.States.All())
	if err != nil {
		s.logger.Error("Failed to dump restore states", zap.Error(err))
		return
	}
	s.logger.Debug("Dumped restore states", zap.Int("count", n))
}

// Close stops periodic dumps and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	s.logger.Info("Restore store closed")
	return nil
}

// deleteAbsent removes the rows of persisted domains that are not in present
func (s *Store) deleteAbsent(ctx context.Context, tx *sql.Tx, present map[string]bool) (int, error) {
	rows, err := tx.QueryContext(ctx, selectEntityIDs)
	if err != nil {
		return 0, fmt.Errorf("listing restore states: %w", err)
	}

	var stale []string
	for rows.Next() {
		var entityID string
		if err := rows.Scan(&entityID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning restore state: %w", err)
		}
		domain, _, _ := ha.SplitEntityID(entityID)
		if s.domains[domain] && !present[entityID] {
			stale = append(stale, entityID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("listing restore states: %w", err)
	}
	rows.Close()

	for _, entityID := range stale {
		if _, err := tx.ExecContext(ctx, deleteState, entityID); err != nil {
			return 0, fmt.Errorf("deleting restore state for %s: %w", entityID, err)
		}
	}
	return len(stale), nil
}

func (s *Store) persisted(state *ha.State) bool {
	return s.domains[state.Domain()]
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
