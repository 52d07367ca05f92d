// Package idempotency guards operations keyed by a caller supplied id so a
// retried request runs them at most once within a time window.
package idempotency

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrAlreadyInProgress = errors.New("idempotency: operation already in progress")
	ErrAlreadyCompleted  = errors.New("idempotency: operation already completed")
	ErrInvalidState      = errors.New("idempotency: invalid state")
)

// State is the recorded progress of a keyed operation.
type State string

const (
	StateNone       State = "none"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

func (s State) String() string {
	return string(s)
}

type Idempotency interface {
	Exec(ctx context.Context, key string, fn func(context.Context) error, opts ...Option) error
}

const (
	defaultPrefix       = "bps:idempotency:"
	defaultLockDuration = 30 * time.Second
	defaultStateTTL     = 24 * time.Hour

	completedValue = "completed"
	lockPrefix     = "lock:"
)

// acquireScript sets KEYS[1] to the lock token ARGV[1] unless it holds a
// value. It returns "" when acquired, the current value otherwise.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	return cur
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return ""
`)

// settleScript replaces KEYS[1] with ARGV[2] when it still holds the lock
// token ARGV[1]. An empty ARGV[2] deletes the key.
var settleScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "" then
	redis.call("DEL", KEYS[1])
else
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return 1
`)

// StateTracker keeps operation states in redis. A running operation holds a
// random lock token so an expired lock taken over by another caller is never
// released or completed by the first one.
type StateTracker struct {
	client redis.UniversalClient
	prefix string
}

// New returns a tracker storing keys under "bps:idempotency:".
func New(client redis.UniversalClient) *StateTracker {
	return NewWithPrefix(client, defaultPrefix)
}

// NewWithPrefix returns a tracker storing keys under prefix.
func NewWithPrefix(client redis.UniversalClient, prefix string) *StateTracker {
	return &StateTracker{client: client, prefix: prefix}
}

type Option func(*execOptions)

type execOptions struct {
	lockDuration time.Duration
	stateTTL     time.Duration
}

// WithLockDuration bounds how long a started operation blocks retries.
func WithLockDuration(lockDuration time.Duration) Option {
	return func(o *execOptions) {
		o.lockDuration = lockDuration
	}
}

// WithStateTTL sets how long a completed operation is remembered.
func WithStateTTL(stateTTL time.Duration) Option {
	return func(o *execOptions) {
		o.stateTTL = stateTTL
	}
}

// Lock is a held operation lock returned by Acquire.
type Lock struct {
	key   string
	token string
}

// Acquire tries to start the operation of key. The lock is only returned
// with StateNone.
func (s *StateTracker) Acquire(ctx context.Context, key string, lockDuration time.Duration) (State, *Lock, error) {
	lock := &Lock{key: s.prefix + key, token: lockPrefix + rand.Text()}

	cur, err := acquireScript.Run(ctx, s.client, []string{lock.key}, lock.token, lockDuration.Milliseconds()).Text()
	if err != nil {
		return StateError, nil, fmt.Errorf("idempotency: acquire %s: %w", key, err)
	}

	switch {
	case cur == "":
		return StateNone, lock, nil
	case cur == completedValue:
		return StateCompleted, nil, nil
	case strings.HasPrefix(cur, lockPrefix):
		return StateInProgress, nil, nil
	default:
		return StateError, nil, ErrInvalidState
	}
}

// Complete records the operation of lock as done for ttl.
func (s *StateTracker) Complete(ctx context.Context, lock *Lock, ttl time.Duration) error {
	return s.settle(ctx, lock, completedValue, ttl)
}

// Release forgets the operation of lock so it can be attempted again.
func (s *StateTracker) Release(ctx context.Context, lock *Lock) error {
	return s.settle(ctx, lock, "", 0)
}

func (s *StateTracker) settle(ctx context.Context, lock *Lock, value string, ttl time.Duration) error {
	held, err := settleScript.Run(ctx, s.client, []string{lock.key}, lock.token, value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("idempotency: settle %s: %w", lock.key, err)
	}
	if held == 0 {
		return fmt.Errorf("idempotency: lock on %s expired: %w", lock.key, ErrInvalidState)
	}
	return nil
}

// Exec runs fn once per key. A failed fn releases key so a retry runs it again.
func (s *StateTracker) Exec(ctx context.Context, key string, fn func(context.Context) error, opts ...Option) error {
	execOpt := &execOptions{
		lockDuration: defaultLockDuration,
		stateTTL:     defaultStateTTL,
	}
	for _, opt := range opts {
		opt(execOpt)
	}
	if execOpt.lockDuration <= 0 {
		execOpt.lockDuration = defaultLockDuration
	}
	if execOpt.stateTTL <= 0 {
		execOpt.stateTTL = defaultStateTTL
	}

	state, lock, err := s.Acquire(ctx, key, execOpt.lockDuration)
	if err != nil {
		return err
	}

	switch state {
	case StateInProgress:
		return ErrAlreadyInProgress
	case StateCompleted:
		return ErrAlreadyCompleted
	}

	if err := fn(ctx); err != nil {
		return errors.Join(err, s.Release(context.WithoutCancel(ctx), lock))
	}

	return s.Complete(context.WithoutCancel(ctx), lock, execOpt.stateTTL)
}

// Close closes the redis client.
func (s *StateTracker) Close() error {
	return s.client.Close()
}
