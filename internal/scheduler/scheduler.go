// Package scheduler owns the orchestration boundary around sync passes:
// the per-client re-entrancy guard and the auto-sync polling loop. The
// engine itself is re-entrant; duplicate concurrent passes for one client
// would double-charge the summarization gateway and race on upserts, so
// exclusion is enforced here. The guard combines a local map with a
// database advisory lock, covering triggers from the server and the
// worker process alike.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/logger"
)

// ErrSyncInProgress means a pass for the client is already running
var ErrSyncInProgress = errors.New("sync already in progress for this client")

// SyncLocker takes a cross-process lock for one client's pass. *db.DB
// satisfies it with a Postgres advisory lock, so exclusion holds between
// the server process and the worker process.
type SyncLocker interface {
	TrySyncLock(ctx context.Context, clientID string) (release func(), ok bool, err error)
}

// Guard provides per-client mutual exclusion for sync passes. The local map
// serializes triggers within this process; the locker extends exclusion to
// sibling processes sharing the database.
type Guard struct {
	locker SyncLocker
	mu     sync.Mutex
	active map[string]func()
}

// NewGuard creates a guard. A nil locker limits exclusion to this process.
func NewGuard(locker SyncLocker) *Guard {
	return &Guard{locker: locker, active: make(map[string]func())}
}

// TryAcquire marks the client's pass as running. Returns false when a pass
// is already active anywhere; the caller must not start another.
func (g *Guard) TryAcquire(ctx context.Context, clientID string) bool {
	g.mu.Lock()
	if _, held := g.active[clientID]; held {
		g.mu.Unlock()
		return false
	}
	// Reserve locally before the lock round trip so concurrent in-process
	// callers cannot both reach the locker
	g.active[clientID] = func() {}
	g.mu.Unlock()

	if g.locker == nil {
		return true
	}

	release, ok, err := g.locker.TrySyncLock(ctx, clientID)
	if err != nil {
		logger.Warn("sync lock unavailable", "client", clientID, "error", err)
	}
	if !ok {
		g.mu.Lock()
		delete(g.active, clientID)
		g.mu.Unlock()
		return false
	}

	g.mu.Lock()
	g.active[clientID] = release
	g.mu.Unlock()
	return true
}

// Release marks the client's pass as finished and frees the shared lock
func (g *Guard) Release(clientID string) {
	g.mu.Lock()
	release := g.active[clientID]
	delete(g.active, clientID)
	g.mu.Unlock()
	if release != nil {
		release()
	}
}

// Active reports whether a pass is currently running for the client in
// this process
func (g *Guard) Active(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.active[clientID]
	return held
}

// DueLister returns clients whose auto-sync interval has elapsed.
// *db.DB satisfies it.
type DueLister interface {
	ListDueClients(ctx context.Context, now time.Time) ([]string, error)
}

// SyncFunc runs one guarded sync pass for a client
type SyncFunc func(ctx context.Context, clientID string) error

// Scheduler polls for due clients and triggers their passes. Due clients
// run sequentially within a tick; the guard makes overlapping manual
// triggers harmless.
type Scheduler struct {
	store        DueLister
	guard        *Guard
	sync         SyncFunc
	pollInterval time.Duration
}

// New creates a scheduler. pollInterval 0 defaults to one minute.
func New(store DueLister, guard *Guard, syncFn SyncFunc, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Scheduler{store: store, guard: guard, sync: syncFn, pollInterval: pollInterval}
}

// Run polls until ctx is cancelled. A pass already running for a client
// (manual trigger, earlier tick) skips that client for this tick.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("auto-sync scheduler started", "poll_interval", s.pollInterval.String())

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("auto-sync scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueClients(ctx, now)
	if err != nil {
		logger.Error("failed to list due clients", "error", err)
		return
	}

	for _, clientID := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.RunOnce(ctx, clientID); err != nil {
			if errors.Is(err, ErrSyncInProgress) {
				continue
			}
			logger.Error("auto-sync pass failed", "client", clientID, "error", err)
		}
	}
}

// RunOnce runs one guarded pass for a client. Manual triggers and the
// polling loop both go through here.
func (s *Scheduler) RunOnce(ctx context.Context, clientID string) error {
	if !s.guard.TryAcquire(ctx, clientID) {
		return ErrSyncInProgress
	}
	defer s.guard.Release(clientID)
	return s.sync(ctx, clientID)
}
