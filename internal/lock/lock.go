package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrBusy = errors.New("resource busy, please try again")

// Locker hands out exclusive ownership of a set of keys. The returned release
// func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

type Options struct {
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Second
	}
	if o.Retries < 1 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	return o
}

// maxWait is how long a caller may queue for one key before giving up.
func (o Options) maxWait() time.Duration {
	return time.Duration(o.Retries) * (o.RetryDelay + o.TTL)
}

// normalizeKeys sorts and dedups so that every caller takes keys in the same
// order.
func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// Local serializes callers inside one process with a size-one semaphore per
// key. Slots are reference counted and dropped once nobody holds or waits on
// them.
type Local struct {
	opts  Options
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLocal(opts Options) *Local {
	return &Local{opts: opts.withDefaults(), slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.lock(ctx, key); err != nil {
			l.release(held)
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(held) })
	}, nil
}

func (l *Local) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, l.opts.maxWait())
	defer cancel()
	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		l.drop(key, s)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrBusy, key)
	}
	return nil
}

func (l *Local) release(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(keys) - 1; i >= 0; i-- {
		s := l.slots[keys[i]]
		s.sem.Release(1)
		s.refs--
		if s.refs == 0 {
			delete(l.slots, keys[i])
		}
	}
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
