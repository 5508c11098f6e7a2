package connpool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"branchdb/src/dberrors"
	"branchdb/src/layout"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

/*

The registry hands out one shared handle per tenant store. Handles are
reference counted; once a handle is idle it stays cached until the number of
cached handles exceeds the pool size, at which point the least recently used
idle handles are checkpointed and closed.

The registry lock only covers map and ordering bookkeeping. Opening,
checkpointing and closing happen outside it.

Before store files are moved or removed, their keys are retired: new
Acquires for a retired key wait, handles in use are drained and idle ones
closed. The caller moves the files and then reinstates the keys, so no
handle can ever be opened on a store that is about to disappear.

*/

// ManagedConn wraps a pooled store handle with reference counting.
type ManagedConn struct {
	// mu is held shared while the main store file is being copied and
	// exclusively while it is being checkpointed.
	mu         sync.RWMutex
	db         *sqlx.DB
	key        layout.StoreKey
	path       string
	refCount   int
	lastAccess time.Time
}

// DB returns the underlying handle. It stays valid until Release.
func (mc *ManagedConn) DB() *sqlx.DB {
	return mc.db
}

func (mc *ManagedConn) Key() layout.StoreKey {
	return mc.key
}

func (mc *ManagedConn) Path() string {
	return mc.path
}

// Config holds the registry tuning knobs.
type Config struct {
	// PoolSize bounds the number of cached handles; only idle handles are evicted.
	PoolSize    int
	BusyTimeout time.Duration
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
	Metrics     *Collector
}

// Registry manages access to tenant stores.
type Registry struct {
	mu     sync.Mutex
	conns   map[layout.StoreKey]*ManagedConn
	order   *simplelru.LRU[layout.StoreKey, struct{}]
	retired []*retirement
	closed  bool

	layout      *layout.Layout
	opening     singleflight.Group
	poolSize    int
	busyTimeout time.Duration
	clock       clock.Clock
	logger      *zap.SugaredLogger
	metrics     *Collector
}

// NewRegistry creates a registry resolving store paths through l.
func NewRegistry(l *layout.Layout, cfg Config) (*Registry, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetricsCollector()
	}

	// The LRU only tracks recency; eviction is driven by the registry so
	// that handles in use are skipped.
	order, err := simplelru.NewLRU[layout.StoreKey, struct{}](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}

	return &Registry{
		conns:       make(map[layout.StoreKey]*ManagedConn),
		order:       order,
		layout:      l,
		poolSize:    cfg.PoolSize,
		busyTimeout: cfg.BusyTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Acquire returns the shared handle for key, opening the store if this is
// the first caller. Concurrent first callers wait on a single open. Every
// successful Acquire must be paired with Release.
func (r *Registry) Acquire(ctx context.Context, key layout.StoreKey) (*ManagedConn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, dberrors.FromContext(err)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, fmt.Errorf("connection registry is closed")
		}
		if ret := r.retirementLocked(key); ret != nil {
			r.mu.Unlock()
			select {
			case <-ret.done:
			case <-ctx.Done():
				return nil, dberrors.FromContext(ctx.Err())
			}
			continue
		}
		if mc, ok := r.conns[key]; ok {
			mc.refCount++
			mc.lastAccess = r.clock.Now()
			r.order.Add(key, struct{}{})
			r.mu.Unlock()
			return mc, nil
		}
		r.mu.Unlock()

		_, err, _ := r.opening.Do(key.String(), func() (interface{}, error) {
			return nil, r.open(ctx, key)
		})
		if err == errStoreRetired {
			continue
		}
		if err != nil {
			r.metrics.openFailures.Inc()
			return nil, err
		}
		// Loop to take a reference under the lock. The handle may have been
		// evicted in between, in which case it is opened again.
	}
}

// open creates the handle for key and caches it with no references.
func (r *Registry) open(ctx context.Context, key layout.StoreKey) error {
	r.mu.Lock()
	if _, ok := r.conns[key]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	path := r.layout.StorePath(key)
	db, err := openStore(ctx, path, r.busyTimeout, false)
	if err != nil {
		r.logger.Debugf("Failed to open store %s: %v", key, err)
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		db.Close()
		return fmt.Errorf("connection registry is closed")
	}
	if r.retirementLocked(key) != nil {
		r.mu.Unlock()
		db.Close()
		return errStoreRetired
	}
	r.conns[key] = &ManagedConn{
		db:         db,
		key:        key,
		path:       path,
		lastAccess: r.clock.Now(),
	}
	r.order.Add(key, struct{}{})
	r.metrics.opens.Inc()
	r.metrics.openHandles.Set(float64(len(r.conns)))
	r.mu.Unlock()

	r.logger.Debugf("Opened store %s", key)
	return nil
}

// Release drops one reference to mc and closes idle handles beyond the pool size.
func (r *Registry) Release(mc *ManagedConn) {
	r.mu.Lock()
	mc.refCount--
	if mc.refCount < 0 {
		r.logger.Errorf("Store %s released more often than acquired", mc.key)
		mc.refCount = 0
	}
	mc.lastAccess = r.clock.Now()
	victims := r.collectIdleLocked()
	r.mu.Unlock()

	r.closeAll(victims, "evicted")
}

// collectIdleLocked removes least recently used idle handles until the
// cache fits the pool size. Must be called with r.mu held.
func (r *Registry) collectIdleLocked() []*ManagedConn {
	excess := len(r.conns) - r.poolSize
	if excess <= 0 {
		return nil
	}

	var victims []*ManagedConn
	for _, key := range r.order.Keys() {
		if excess == 0 {
			break
		}
		mc := r.conns[key]
		if mc == nil || mc.refCount > 0 {
			continue
		}
		victims = append(victims, r.removeLocked(key))
		excess--
	}
	return victims
}

func (r *Registry) removeLocked(key layout.StoreKey) *ManagedConn {
	mc := r.conns[key]
	delete(r.conns, key)
	r.order.Remove(key)
	r.metrics.openHandles.Set(float64(len(r.conns)))
	return mc
}

type retirement struct {
	match func(layout.StoreKey) bool
	done  chan struct{}
}

var (
	errStoreRetired = fmt.Errorf("store retired while opening")
	errStoreInUse   = fmt.Errorf("store in use")
)

func (r *Registry) retirementLocked(key layout.StoreKey) *retirement {
	for _, ret := range r.retired {
		if ret.match(key) {
			return ret
		}
	}
	return nil
}

// Retire closes the cached handle for key and keeps it from being opened
// again until the returned reinstate function is called. Callers in flight
// are waited for; Retire fails with Timeout when ctx ends first, in which
// case nothing stays retired.
func (r *Registry) Retire(ctx context.Context, key layout.StoreKey) (func(), error) {
	return r.retireMatching(ctx, key.String(), func(k layout.StoreKey) bool {
		return k == key
	})
}

// RetireBranch retires every store of a branch.
func (r *Registry) RetireBranch(ctx context.Context, branch layout.BranchKey) (func(), error) {
	return r.retireMatching(ctx, branch.String(), func(k layout.StoreKey) bool {
		return k.BranchKey() == branch
	})
}

// RetireDatabase retires every store of a database.
func (r *Registry) RetireDatabase(ctx context.Context, database string) (func(), error) {
	return r.retireMatching(ctx, database, func(k layout.StoreKey) bool {
		return k.Database == database
	})
}

func (r *Registry) retireMatching(ctx context.Context, what string, match func(layout.StoreKey) bool) (func(), error) {
	ret := &retirement{match: match, done: make(chan struct{})}
	r.mu.Lock()
	r.retired = append(r.retired, ret)
	r.mu.Unlock()

	var once sync.Once
	reinstate := func() {
		once.Do(func() {
			r.mu.Lock()
			for i, other := range r.retired {
				if other == ret {
					r.retired = append(r.retired[:i], r.retired[i+1:]...)
					break
				}
			}
			r.mu.Unlock()
			close(ret.done)
		})
	}

	var victims []*ManagedConn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			var keys []layout.StoreKey
			for key, mc := range r.conns {
				if !match(key) {
					continue
				}
				if mc.refCount > 0 {
					return errStoreInUse
				}
				keys = append(keys, key)
			}
			for _, key := range keys {
				victims = append(victims, r.removeLocked(key))
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return err != errStoreInUse
		},
		Attempts: retry.UnlimitedAttempts,
		Delay:    5 * time.Millisecond,
		Clock:    r.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		reinstate()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for callers of %s: %w", what, dberrors.FromContext(ctx.Err()))
		}
		return nil, fmt.Errorf("retiring %s: %w", what, err)
	}

	r.closeAll(victims, "released")
	return reinstate, nil
}

// Checkpoint copies every committed page from the write-ahead log into the
// main store file and truncates the log. Stores that are not open have
// nothing to flush.
func (r *Registry) Checkpoint(ctx context.Context, key layout.StoreKey) error {
	r.mu.Lock()
	mc, ok := r.conns[key]
	if ok {
		mc.refCount++
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	defer r.Release(mc)

	mc.mu.Lock()
	defer mc.mu.Unlock()
	return r.checkpoint(ctx, mc.db)
}

// Snapshot checkpoints the store of key and then runs fn while the main store
// file is guaranteed not to change: autocheckpointing is disabled and any
// explicit checkpoint waits for fn to return. New writes land in the WAL only.
func (r *Registry) Snapshot(ctx context.Context, key layout.StoreKey, fn func(storePath string) error) error {
	mc, err := r.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer r.Release(mc)

	mc.mu.Lock()
	if err := r.checkpoint(ctx, mc.db); err != nil {
		mc.mu.Unlock()
		return err
	}
	mc.mu.Unlock()

	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return fn(mc.path)
}

func (r *Registry) checkpoint(ctx context.Context, db *sqlx.DB) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var busy, logFrames, checkpointed int
			row := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
			if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
				return err
			}
			if busy != 0 {
				return errCheckpointBusy
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return err != errCheckpointBusy && !IsBusy(err)
		},
		NotifyFunc: func(err error, attempt int) {
			r.logger.Debugf("Checkpoint attempt %d hit a busy store: %v", attempt, err)
		},
		Attempts: 10,
		Delay:    20 * time.Millisecond,
		Clock:    r.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		switch {
		case retry.IsAttemptsExceeded(err):
			err = retry.LastError(err)
		case retry.IsRetryStopped(err) && ctx.Err() != nil:
			err = ctx.Err()
		}
		return dberrors.FromContext(fmt.Errorf("checkpoint failed: %w", err))
	}
	r.metrics.checkpoints.Inc()
	return nil
}

var errCheckpointBusy = fmt.Errorf("checkpoint could not complete: store busy")

// OpenUnpooled opens a store outside the cache, creating it when create is
// set. It is used to build stores at staging paths before they become
// visible. The caller closes the handle with CloseUnpooled.
func (r *Registry) OpenUnpooled(ctx context.Context, path string, create bool) (*sqlx.DB, error) {
	return openStore(ctx, path, r.busyTimeout, create)
}

// CloseUnpooled flushes the WAL of an unpooled handle and closes it.
func (r *Registry) CloseUnpooled(ctx context.Context, db *sqlx.DB) error {
	if err := r.checkpoint(ctx, db); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

// Stats reports the number of cached handles and how many are in use.
func (r *Registry) Stats() (open, inUse int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mc := range r.conns {
		if mc.refCount > 0 {
			inUse++
		}
	}
	return len(r.conns), inUse
}

// Close checkpoints and closes every cached handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	victims := make([]*ManagedConn, 0, len(r.conns))
	for key := range r.conns {
		victims = append(victims, r.removeLocked(key))
	}
	r.mu.Unlock()

	return r.closeAll(victims, "closed")
}

func (r *Registry) closeAll(victims []*ManagedConn, reason string) error {
	var lastErr error
	for _, mc := range victims {
		mc.mu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), r.busyTimeout+time.Second)
		if err := r.checkpoint(ctx, mc.db); err != nil {
			r.logger.Warnf("Failed to checkpoint store %s before close: %v", mc.key, err)
		}
		cancel()
		if err := mc.db.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close store %s: %w", mc.key, err)
			r.logger.Errorf("Failed to close store %s: %v", mc.key, err)
		}
		mc.mu.Unlock()
		r.metrics.evictions.WithLabelValues(reason).Inc()
		r.logger.Debugf("Store %s %s", mc.key, reason)
	}
	return lastErr
}
