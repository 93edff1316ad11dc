// Package redislock implements component B (lock.Manager) on top of Redis:
// a lease acquired with SET NX PX, renewed on a ticker, with lock-state
// changes published on a pub/sub channel so add_listener forwarders in
// other processes observe them. Grounded on a realtime pub/sub bus design
// (Publish/StartForwarder over a Redis channel) — go-redis/v9's Subscribe
// replaces that bus's SSE forwarder loop.
package redislock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pipeforge/pipecore/errs"
	"github.com/pipeforge/pipecore/lock"
	"github.com/pipeforge/pipecore/internal/platform/logger"
)

const (
	leaseTTL    = 15 * time.Second
	renewEvery  = 5 * time.Second
	keyPrefix   = "pipecore:lock:"
	channelFmt  = "pipecore:locks:%s"
)

type Manager struct {
	log    *logger.Logger
	rdb    *goredis.Client
	runID  string
	token  string

	mu        sync.Mutex
	states    map[int]lock.State
	listeners []lock.Listener

	cancelRenew context.CancelFunc
}

// New connects to Redis and returns a lock.Manager scoped to one run.
func New(log *logger.Logger, addr, runID string) (*Manager, error) {
	if addr == "" {
		return nil, fmt.Errorf("redislock: missing address")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redislock: ping: %w", err)
	}

	m := &Manager{
		log:    log.With("component", "RedisLockManager"),
		rdb:    rdb,
		runID:  runID,
		token:  strconv.FormatInt(time.Now().UnixNano(), 36),
		states: map[int]lock.State{},
	}
	m.startForwarder()
	return m, nil
}

func (m *Manager) key(stage int) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, m.runID, stage)
}

func (m *Manager) channel() string {
	return fmt.Sprintf(channelFmt, m.runID)
}

func (m *Manager) Acquire(ctx context.Context, stage int) error {
	key := m.key(stage)
	backoff := 20 * time.Millisecond
	for {
		ok, err := m.rdb.SetNX(ctx, key, m.token, leaseTTL).Result()
		if err != nil {
			return errs.NewLockError(stage, "acquire", err)
		}
		if ok {
			m.setState(stage, lock.Locked)
			m.publish(ctx, stage, "acquired")
			m.startRenewal(stage)
			return nil
		}
		select {
		case <-ctx.Done():
			return errs.NewLockError(stage, "acquire: context canceled", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

func (m *Manager) startRenewal(stage int) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancelRenew = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(renewEvery)
		defer ticker.Stop()
		key := m.key(stage)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := m.rdb.Get(ctx, key).Result()
				if err != nil || cur != m.token {
					m.setState(stage, lock.Uncertain)
					m.publish(ctx, stage, "uncertain")
					continue
				}
				if err := m.rdb.Expire(ctx, key, leaseTTL).Err(); err != nil {
					m.setState(stage, lock.Uncertain)
					m.publish(ctx, stage, "uncertain")
					continue
				}
				m.setState(stage, lock.Locked)
			}
		}
	}()
}

func (m *Manager) Release(ctx context.Context, stage int) error {
	m.mu.Lock()
	if m.cancelRenew != nil {
		m.cancelRenew()
		m.cancelRenew = nil
	}
	m.mu.Unlock()

	key := m.key(stage)
	script := goredis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	if err := script.Run(ctx, m.rdb, []string{key}, m.token).Err(); err != nil {
		return errs.NewLockError(stage, "release", err)
	}
	m.setState(stage, lock.Unlocked)
	m.publish(ctx, stage, "released")
	return nil
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
	backoff := 10 * time.Millisecond
	for {
		switch m.GetState(stage) {
		case lock.Locked:
			return nil
		case lock.Unlocked, lock.Invalid:
			return errs.NewLockError(stage, "validate: not locked", nil)
		case lock.Uncertain:
			select {
			case <-ctx.Done():
				return errs.NewLockError(stage, "validate: context canceled", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
}

func (m *Manager) AddListener(fn lock.Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	stages := make([]int, 0, len(m.states))
	for s := range m.states {
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

func (m *Manager) Close() error {
	return m.rdb.Close()
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

func (m *Manager) publish(ctx context.Context, stage int, event string) {
	payload := fmt.Sprintf("%d:%s", stage, event)
	if err := m.rdb.Publish(ctx, m.channel(), payload).Err(); err != nil {
		m.log.Warn("publish lock event failed", "stage", stage, "error", err)
	}
}

// startForwarder mirrors redis_bus.go's StartForwarder: a subscriber
// goroutine that relays pub/sub events from other processes holding the
// same run ID into this process's listener callbacks, by decoding each
// "stage:event" payload and driving it through the same setState path a
// local Acquire/Release/renewal takes — this is what makes add_listener
// callbacks registered in one process fire for locks acquired in another.
func (m *Manager) startForwarder() {
	ctx := context.Background()
	sub := m.rdb.Subscribe(ctx, m.channel())
	go func() {
		ch := sub.Channel()
		for msg := range ch {
			stage, state, ok := decodeLockEvent(msg.Payload)
			if !ok {
				m.log.Warn("lock event: unparseable payload", "payload", msg.Payload)
				continue
			}
			m.setState(stage, state)
		}
	}()
}

// decodeLockEvent parses a publish() payload ("<stage>:<event>") back into
// the (stage, lock.State) pair setState expects.
func decodeLockEvent(payload string) (int, lock.State, bool) {
	idx := strings.IndexByte(payload, ':')
	if idx < 0 {
		return 0, lock.Invalid, false
	}
	stage, err := strconv.Atoi(payload[:idx])
	if err != nil {
		return 0, lock.Invalid, false
	}
	switch payload[idx+1:] {
	case "acquired":
		return stage, lock.Locked, true
	case "released":
		return stage, lock.Unlocked, true
	case "uncertain":
		return stage, lock.Uncertain, true
	default:
		return 0, lock.Invalid, false
	}
}
