package biz

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"transcription-service/internal/clock"

	"github.com/go-kratos/kratos/v2/log"
)

var testNow = time.Date(2024, time.July, 15, 10, 0, 0, 0, time.UTC)

// memSessionRepo 内存会话 repo
type memSessionRepo struct {
	mu       sync.Mutex
	clock    clock.Clock
	sessions map[string]*Session
	deleted  map[string]bool
	segments map[string][]TranscriptSegment
}

func newMemSessionRepo(clk clock.Clock) *memSessionRepo {
	return &memSessionRepo{
		clock:    clk,
		sessions: make(map[string]*Session),
		deleted:  make(map[string]bool),
		segments: make(map[string][]TranscriptSegment),
	}
}

func (r *memSessionRepo) CreateSession(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) GetSession(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || r.deleted[id] {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) CompareAndSetStatus(ctx context.Context, id string, from, to SessionStatus, patch SessionPatch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || r.deleted[id] || s.Status != from {
		return false, nil
	}
	s.Status = to
	s.UpdatedAt = r.clock.Now()
	if patch.ProviderChoice != nil {
		s.ProviderChoice = *patch.ProviderChoice
	}
	if patch.DiarizationRequested != nil {
		s.DiarizationRequested = *patch.DiarizationRequested
	}
	if patch.ActiveJob != nil {
		s.ActiveJob = *patch.ActiveJob
	}
	if patch.LastError != nil {
		s.LastError = *patch.LastError
	}
	return true, nil
}

func (r *memSessionRepo) SoftDeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok || r.deleted[id] {
		return ErrSessionNotFound
	}
	r.deleted[id] = true
	return nil
}

func (r *memSessionRepo) PurgeSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	delete(r.deleted, id)
	delete(r.segments, id)
	return nil
}

func (r *memSessionRepo) CountProcessing(ctx context.Context, ownerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if !r.deleted[id] && s.OwnerID == ownerID && s.Status == SessionStatusProcessing {
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) ListStuckSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for id, s := range r.sessions {
		if !r.deleted[id] && s.Status == SessionStatusProcessing && s.UpdatedAt.Before(updatedBefore) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memSessionRepo) GetTranscript(ctx context.Context, sessionID string) ([]TranscriptSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TranscriptSegment(nil), r.segments[sessionID]...), nil
}

// memOwnerRepo 内存教练 repo
type memOwnerRepo struct {
	mu      sync.Mutex
	owners  map[string]*Owner
	clients map[string]*Client
}

func newMemOwnerRepo() *memOwnerRepo {
	return &memOwnerRepo{
		owners:  make(map[string]*Owner),
		clients: make(map[string]*Client),
	}
}

func (r *memOwnerRepo) CreateOwner(ctx context.Context, o *Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.owners[o.ID] = &cp
	return nil
}

func (r *memOwnerRepo) GetOwner(ctx context.Context, id string) (*Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[id]
	if !ok {
		return nil, ErrOwnerNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memOwnerRepo) UpdatePlanTier(ctx context.Context, id, tier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[id]
	if !ok {
		return ErrOwnerNotFound
	}
	o.PlanTier = tier
	return nil
}

func (r *memOwnerRepo) ListOwnerIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.owners))
	for id := range r.owners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memOwnerRepo) DeleteOwner(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[id]; !ok {
		return ErrOwnerNotFound
	}
	delete(r.owners, id)
	return nil
}

func (r *memOwnerRepo) CreateClient(ctx context.Context, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.clients[c.ID] = &cp
	return nil
}

func (r *memOwnerRepo) GetClient(ctx context.Context, id string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memOwnerRepo) DeleteClient(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return ErrClientNotFound
	}
	delete(r.clients, id)
	return nil
}

// memUsageRepo 内存账本，记账语义与数据库实现一致
type memUsageRepo struct {
	mu         sync.Mutex
	sessions   *memSessionRepo
	owners     *memOwnerRepo
	entries    []*UsageLogEntry
	aggregates map[string]*MonthlyUsageAggregate
}

func newMemUsageRepo(sessions *memSessionRepo, owners *memOwnerRepo) *memUsageRepo {
	return &memUsageRepo{
		sessions:   sessions,
		owners:     owners,
		aggregates: make(map[string]*MonthlyUsageAggregate),
	}
}

func (r *memUsageRepo) RecordCompletion(ctx context.Context, c *Completion) (*UsageLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.mu.Lock()
	defer r.sessions.mu.Unlock()
	r.owners.mu.Lock()
	defer r.owners.mu.Unlock()

	e := c.Entry
	s, ok := r.sessions.sessions[e.SessionID]
	if !ok || r.sessions.deleted[e.SessionID] || s.Status != SessionStatusProcessing {
		return nil, ErrSessionGone
	}
	owner, ok := r.owners.owners[e.OwnerID]
	if !ok {
		return nil, &IntegrityError{Entity: "owner", ID: e.OwnerID, Reason: "owner not found"}
	}

	cp := *e
	r.entries = append(r.entries, &cp)
	owner.Counters.Apply(e, c.Now)

	key := e.OwnerID + "/" + MonthOf(e.CreatedAt)
	agg, ok := r.aggregates[key]
	if !ok {
		agg = NewMonthlyUsageAggregate(e.OwnerID, MonthOf(e.CreatedAt))
		r.aggregates[key] = agg
	}
	agg.Apply(e)

	s.Status = SessionStatusCompleted
	s.ManualRoleRequired = c.ManualRoleRequired
	s.ActiveJob = JobKindNone
	s.LastError = ""
	s.UpdatedAt = c.Now
	if c.DurationSeconds > 0 {
		d := c.DurationSeconds
		s.DurationSeconds = &d
	}
	r.sessions.segments[e.SessionID] = append([]TranscriptSegment(nil), c.Segments...)
	return e, nil
}

func (r *memUsageRepo) sessionEntries(sessionID string) []*UsageLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*UsageLogEntry
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func (r *memUsageRepo) GetFirstEntry(ctx context.Context, sessionID string) (*UsageLogEntry, error) {
	entries := r.sessionEntries(sessionID)
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (r *memUsageRepo) GetLatestEntry(ctx context.Context, sessionID string) (*UsageLogEntry, error) {
	entries := r.sessionEntries(sessionID)
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1], nil
}

func (r *memUsageRepo) ListEntries(ctx context.Context, ownerID string, page, pageSize int) ([]*UsageLogEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*UsageLogEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].OwnerID == ownerID {
			all = append(all, r.entries[i])
		}
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, int64(len(all)), nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

func (r *memUsageRepo) ListAggregates(ctx context.Context, ownerID, fromMonth, toMonth string) ([]*MonthlyUsageAggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*MonthlyUsageAggregate
	for _, a := range r.aggregates {
		if a.OwnerID == ownerID && a.Month >= fromMonth && a.Month <= toMonth {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

func (r *memUsageRepo) GetAggregate(ctx context.Context, ownerID, month string) (*MonthlyUsageAggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aggregates[ownerID+"/"+month], nil
}

func (r *memUsageRepo) GetLifetimeTotals(ctx context.Context, ownerID string) (*UsageTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	totals := &UsageTotals{}
	for _, a := range r.aggregates {
		if a.OwnerID != ownerID {
			continue
		}
		totals.Transcriptions += a.TranscriptionsCompleted
		totals.Minutes += a.TotalMinutes
		totals.Cost += a.TotalCost
		totals.FreeRetries += a.RetryFailedCount
	}
	return totals, nil
}

func (r *memUsageRepo) SumBillableMinutes(ctx context.Context, ownerID, month string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	for _, e := range r.entries {
		if e.OwnerID == ownerID && e.IsBillable && MonthOf(e.CreatedAt) == month {
			sum += e.DurationMinutes
		}
	}
	return sum, nil
}

// memQueue 记录投递的任务，err 非空时投递失败
type memQueue struct {
	mu   sync.Mutex
	jobs []*TranscriptionJob
	err  error
}

func (q *memQueue) Enqueue(ctx context.Context, job *TranscriptionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) last() *TranscriptionJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	return q.jobs[len(q.jobs)-1]
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type memLeases struct {
	mu   sync.Mutex
	held map[string]bool
}

type memLease struct {
	m         *memLeases
	sessionID string
}

func newMemLeases() *memLeases {
	return &memLeases{held: make(map[string]bool)}
}

func (m *memLeases) Acquire(ctx context.Context, sessionID string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[sessionID] {
		return nil, ErrLeaseHeld
	}
	m.held[sessionID] = true
	return &memLease{m: m, sessionID: sessionID}, nil
}

func (m *memLeases) Held(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[sessionID], nil
}

func (l *memLease) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	delete(l.m.held, l.sessionID)
	return nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string]bool
}

func newMemStorage(refs ...string) *memStorage {
	s := &memStorage{objects: make(map[string]bool)}
	for _, ref := range refs {
		s.objects[ref] = true
	}
	return s
}

func (s *memStorage) Exists(ctx context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[ref], nil
}

func (s *memStorage) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if ok, _ := s.Exists(ctx, ref); !ok {
		return nil, ErrAudioNotFound
	}
	return io.NopCloser(strings.NewReader("audio")), nil
}

func (s *memStorage) remove(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, ref)
}

// stubAdapter 可编排返回值的服务商
type stubAdapter struct {
	mu      sync.Mutex
	name    string
	matrix  *CapabilityMatrix
	respond func(ctx context.Context, req *TranscribeRequest) (*TranscriptResult, error)
	calls   []*TranscribeRequest
}

func newStubAdapter(name string, matrix *CapabilityMatrix) *stubAdapter {
	return &stubAdapter{name: name, matrix: matrix}
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Supports(language, region string) bool {
	return a.matrix.SupportsDiarization(a.name, language, region)
}

func (a *stubAdapter) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscriptResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	respond := a.respond
	a.mu.Unlock()
	if respond == nil {
		return &TranscriptResult{DurationSeconds: 60, Language: req.Language}, nil
	}
	return respond(ctx, req)
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *stubAdapter) succeedWith(seconds float64, segments ...TranscriptSegment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.respond = func(ctx context.Context, req *TranscribeRequest) (*TranscriptResult, error) {
		return &TranscriptResult{Segments: segments, DurationSeconds: seconds, Language: req.Language}, nil
	}
}

func (a *stubAdapter) failWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.respond = func(ctx context.Context, req *TranscribeRequest) (*TranscriptResult, error) {
		return nil, err
	}
}

// fixture 组装完整的业务层依赖
type fixture struct {
	clock        *clock.FakeClock
	conf         *BillingConfig
	catalog      *PlanCatalog
	sessions     *memSessionRepo
	owners       *memOwnerRepo
	usage        *memUsageRepo
	queue        *memQueue
	leases       *memLeases
	storage      *memStorage
	primary      *stubAdapter
	secondary    *stubAdapter
	guard        *PlanLimitGuard
	classifier   *BillingClassifier
	orchestrator *TranscriptionOrchestrator
	usageUC      *UsageUseCase
	ownerUC      *OwnerUseCase
	sessionUC    *SessionUseCase
	worker       *TranscriptionWorker
}

func newTestConfig() *BillingConfig {
	return &BillingConfig{
		Rates: map[string]float64{
			ProviderGoogleSTT:  0.024,
			ProviderAssemblyAI: 0.006,
		},
		EstimateBuffer:         1.10,
		DefaultEstimateMinutes: 30,
		DefaultProvider:        ProviderChoiceAuto,
		ProviderTimeout:        time.Second,
		LeaseTTL:               time.Minute,
		StuckAfter:             30 * time.Minute,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.NewStdLogger(io.Discard)
	matrix := NewCapabilityMatrix()

	f := &fixture{
		clock:     clock.NewFakeClock(testNow),
		conf:      newTestConfig(),
		catalog:   newPlanCatalog(defaultPlans()),
		owners:    newMemOwnerRepo(),
		queue:     &memQueue{},
		leases:    newMemLeases(),
		storage:   newMemStorage(),
		primary:   newStubAdapter(ProviderGoogleSTT, matrix),
		secondary: newStubAdapter(ProviderAssemblyAI, matrix),
	}
	f.sessions = newMemSessionRepo(f.clock)
	f.usage = newMemUsageRepo(f.sessions, f.owners)

	strategy := NewProviderStrategy(&ProviderRegistry{Primary: f.primary, Secondary: f.secondary}, f.conf)
	f.guard = NewPlanLimitGuard(f.owners, f.sessions, f.catalog, f.clock, logger)
	f.classifier = NewBillingClassifier(f.usage, strategy, f.conf, logger)
	f.orchestrator = NewTranscriptionOrchestrator(strategy, f.conf, logger)
	f.usageUC = NewUsageUseCase(f.usage, f.owners, f.catalog, f.clock, logger)
	f.ownerUC = NewOwnerUseCase(f.owners, f.catalog, f.clock, logger)
	f.sessionUC = NewSessionUseCase(f.sessions, f.owners, f.classifier, f.guard, f.queue, f.leases, f.storage, f.conf, f.clock, logger)
	f.worker = NewTranscriptionWorker(f.sessions, f.owners, f.usageUC, f.orchestrator, f.classifier, f.catalog, f.leases, f.clock, logger)
	return f
}

func (f *fixture) addOwner(t *testing.T, id, tier string, counters CurrentPeriodCounters) {
	t.Helper()
	if counters.PeriodStart.IsZero() {
		counters.PeriodStart = PeriodStartOf(f.clock.Now())
	}
	if err := f.owners.CreateOwner(context.Background(), &Owner{ID: id, Name: id, PlanTier: tier, Counters: counters}); err != nil {
		t.Fatalf("create owner: %v", err)
	}
}

func (f *fixture) addSession(t *testing.T, s *Session) *Session {
	t.Helper()
	if s.AudioRef == "" {
		s.AudioRef = "s3://audio/" + s.ID + ".wav"
	}
	if s.Language == "" {
		s.Language = "en"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = f.clock.Now()
		s.UpdatedAt = f.clock.Now()
	}
	f.storage.objects[s.AudioRef] = true
	if err := f.sessions.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (f *fixture) owner(t *testing.T, id string) *Owner {
	t.Helper()
	o, err := f.owners.GetOwner(context.Background(), id)
	if err != nil {
		t.Fatalf("get owner: %v", err)
	}
	return o
}

func (f *fixture) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := f.sessions.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

func float64Ptr(v float64) *float64 { return &v }
