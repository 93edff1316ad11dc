// Package pglock implements component B (lock.Manager) with Postgres
// session-level advisory locks. Each stage maps to a dedicated connection
// held for the run's lifetime (pg_advisory_lock is connection-scoped, so
// the manager cannot share gorm's pooled *sql.DB across stages the way
// job_run.go's row-level SKIP LOCKED claim does — see DESIGN.md for why
// this departs from that pattern).
package pglock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/pipeforge/pipecore/errs"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/lock"
)

type Manager struct {
	log   *logger.Logger
	dsn   string
	runID string

	mu    sync.Mutex
	conns map[int]*sql.Conn
	db    *sql.DB

	listeners []lock.Listener
	states    map[int]lock.State
}

func New(log *logger.Logger, db *sql.DB, runID string) *Manager {
	return &Manager{
		log:    log.With("component", "PostgresLockManager"),
		db:     db,
		runID:  runID,
		conns:  map[int]*sql.Conn{},
		states: map[int]lock.State{},
	}
}

func advisoryKey(runID string, stage int) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%s:%d", runID, stage)))
	return int64(h.Sum64())
}

func (m *Manager) Acquire(ctx context.Context, stage int) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return errs.NewLockError(stage, "acquire connection", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryKey(m.runID, stage)); err != nil {
		_ = conn.Close()
		return errs.NewLockError(stage, "pg_advisory_lock", err)
	}
	m.mu.Lock()
	m.conns[stage] = conn
	m.mu.Unlock()
	m.setState(stage, lock.Locked)
	return nil
}

func (m *Manager) Release(ctx context.Context, stage int) error {
	m.mu.Lock()
	conn, ok := m.conns[stage]
	delete(m.conns, stage)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryKey(m.runID, stage))
	closeErr := conn.Close()
	m.setState(stage, lock.Unlocked)
	if err != nil {
		return errs.NewLockError(stage, "pg_advisory_unlock", err)
	}
	return closeErr
}

func (m *Manager) GetState(stage int) lock.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stage]
	if !ok {
		return lock.Unlocked
	}
	return s
}

func (m *Manager) Validate(ctx context.Context, stage int) error {
	if m.GetState(stage) != lock.Locked {
		return errs.NewLockError(stage, "validate: not locked", nil)
	}
	return nil
}

func (m *Manager) AddListener(fn lock.Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	stages := make([]int, 0, len(m.conns))
	for s := range m.conns {
		stages = append(stages, s)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range stages {
		if err := m.Release(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) setState(stage int, new lock.State) {
	m.mu.Lock()
	old, ok := m.states[stage]
	if !ok {
		old = lock.Unlocked
	}
	m.states[stage] = new
	listeners := append([]lock.Listener(nil), m.listeners...)
	m.mu.Unlock()
	if old != new {
		for _, fn := range listeners {
			fn(stage, old, new)
		}
	}
}
