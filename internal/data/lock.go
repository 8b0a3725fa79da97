package data

import (
	"context"
	"errors"
	"sync"
	"time"

	"transcription-service/internal/biz"
	"transcription-service/internal/constants"
	"transcription-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
)

// ownerLockExpiry 记账锁过期时间，与扣费锁一致
const ownerLockExpiry = 5 * time.Second

// OwnerLocker 按教练串行化记账临界区
type OwnerLocker interface {
	Lock(ctx context.Context, ownerID string) (unlock func(), err error)
}

// NewOwnerLocker Redis 可用时使用 redsync，否则使用进程内锁
func NewOwnerLocker(rs *redsync.Redsync, logger log.Logger) OwnerLocker {
	if rs == nil {
		return newLocalOwnerLocker()
	}
	return &redsyncOwnerLocker{
		rs:      rs,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

type redsyncOwnerLocker struct {
	rs      *redsync.Redsync
	log     *log.Helper
	metrics *metrics.TranscriptionMetrics
}

func (l *redsyncOwnerLocker) Lock(ctx context.Context, ownerID string) (func(), error) {
	lockStartTime := time.Now()
	mutex := l.rs.NewMutex(constants.RedisKeyOwnerLock+ownerID, redsync.WithExpiry(ownerLockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		l.log.Errorf("Failed to acquire usage lock: owner_id=%s, error=%v", ownerID, err)
		if l.metrics != nil {
			l.metrics.LockAcquireTotal.WithLabelValues(constants.ResultFailed).Inc()
			l.metrics.LockAcquireDuration.Observe(time.Since(lockStartTime).Seconds())
		}
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.LockAcquireTotal.WithLabelValues(constants.ResultSuccess).Inc()
		l.metrics.LockAcquireDuration.Observe(time.Since(lockStartTime).Seconds())
	}
	return func() {
		if ok, err := mutex.Unlock(); !ok || err != nil {
			l.log.Warnf("Failed to unlock usage lock: owner_id=%s, error=%v", ownerID, err)
		}
	}, nil
}

// keyedMutex 按 key 的进程内互斥锁，无引用时回收
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type localOwnerLocker struct {
	keys *keyedMutex
}

func newLocalOwnerLocker() *localOwnerLocker {
	return &localOwnerLocker{keys: newKeyedMutex()}
}

func (l *localOwnerLocker) Lock(ctx context.Context, ownerID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.keys.lock(ownerID), nil
}

// NewLeaseManager 会话处理租约，Redis 可用时使用 redsync（SET NX + 过期）
// 持有期间按 ttl/3 周期续期，Release 时停止
func NewLeaseManager(rdb *redis.Client, rs *redsync.Redsync, cfg *biz.BillingConfig, logger log.Logger) biz.LeaseManager {
	helper := log.NewHelper(logger)
	if rdb == nil || rs == nil {
		helper.Warn("[LEASE] redis not configured, using process-local session leases; other processes cannot see them")
		return newLocalLeaseManager(cfg.LeaseTTL, helper)
	}
	return &redsyncLeaseManager{
		rdb: rdb,
		rs:  rs,
		ttl: cfg.LeaseTTL,
		log: helper,
	}
}

// heartbeat 租约续期协程
type heartbeat struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// startHeartbeat extend 返回 false 表示租约已丢失，续期结束
func startHeartbeat(ttl time.Duration, extend func(ctx context.Context) bool) *heartbeat {
	h := &heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	interval := ttl / 3
	if interval <= 0 {
		close(h.done)
		return h
	}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ok := extend(ctx)
				cancel()
				if !ok {
					return
				}
			}
		}
	}()
	return h
}

// halt 停止续期并等待协程退出
func (h *heartbeat) halt() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

type redsyncLeaseManager struct {
	rdb *redis.Client
	rs  *redsync.Redsync
	ttl time.Duration
	log *log.Helper
}

type redsyncLease struct {
	mutex     *redsync.Mutex
	heartbeat *heartbeat
}

func (m *redsyncLeaseManager) Acquire(ctx context.Context, sessionID string) (biz.Lease, error) {
	mutex := m.rs.NewMutex(constants.RedisKeySessionLease+sessionID,
		redsync.WithExpiry(m.ttl),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, biz.ErrLeaseHeld
		}
		return nil, err
	}
	lease := &redsyncLease{mutex: mutex}
	lease.heartbeat = startHeartbeat(m.ttl, func(ctx context.Context) bool {
		ok, err := mutex.ExtendContext(ctx)
		if err != nil || !ok {
			m.log.Warnf("[LEASE] extend failed: session_id=%s, ok=%v, error=%v", sessionID, ok, err)
			return false
		}
		return true
	})
	return lease, nil
}

func (m *redsyncLeaseManager) Held(ctx context.Context, sessionID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, constants.RedisKeySessionLease+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *redsyncLease) Release(ctx context.Context) error {
	l.heartbeat.halt()
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("lease already expired")
	}
	return nil
}

type localLeaseManager struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]time.Time // sessionID -> 过期时间
	log    *log.Helper
}

func newLocalLeaseManager(ttl time.Duration, helper *log.Helper) *localLeaseManager {
	return &localLeaseManager{ttl: ttl, leases: make(map[string]time.Time), log: helper}
}

type localLease struct {
	m         *localLeaseManager
	sessionID string
	expiresAt time.Time
	heartbeat *heartbeat
}

func (m *localLeaseManager) Acquire(ctx context.Context, sessionID string) (biz.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if exp, ok := m.leases[sessionID]; ok && now.Before(exp) {
		return nil, biz.ErrLeaseHeld
	}
	exp := now.Add(m.ttl)
	m.leases[sessionID] = exp
	lease := &localLease{m: m, sessionID: sessionID, expiresAt: exp}
	lease.heartbeat = startHeartbeat(m.ttl, func(context.Context) bool { return lease.extend() })
	return lease, nil
}

func (m *localLeaseManager) Held(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.leases[sessionID]
	return ok && time.Now().Before(exp), nil
}

// extend 租约仍属于自己时顺延过期时间
func (l *localLease) extend() bool {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	exp, ok := l.m.leases[l.sessionID]
	if !ok || !exp.Equal(l.expiresAt) {
		return false
	}
	l.expiresAt = time.Now().Add(l.m.ttl)
	l.m.leases[l.sessionID] = l.expiresAt
	return true
}

func (l *localLease) Release(ctx context.Context) error {
	l.heartbeat.halt()
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	// 已被他人在过期后重新获取则不删除
	if exp, ok := l.m.leases[l.sessionID]; ok && exp.Equal(l.expiresAt) {
		delete(l.m.leases, l.sessionID)
	}
	return nil
}
