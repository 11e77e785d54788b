package bizsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultReconcileDebounce delays the automatic pass after reconnecting so a
// flapping connection does not start a pass per transition.
const DefaultReconcileDebounce = 2 * time.Second

// Reconciler events.
const (
	EventSyncStart    = "sync.start"
	EventRecordSynced = "record.synced"
	EventRecordFailed = "record.failed"
	EventSyncComplete = "sync.complete"
	EventSyncSkipped  = "sync.skipped"
)

const (
	reconcileTimeout = 5 * time.Minute
	maxSummaryErrors = 20
)

// ReconcilerState is the pass state machine: Idle -> Scanning -> Replaying -> Idle.
type ReconcilerState int

const (
	StateIdle ReconcilerState = iota
	StateScanning
	StateReplaying
)

func (s ReconcilerState) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateReplaying:
		return "replaying"
	}
	return "idle"
}

// Syncable is a collection the Reconciler can drain. *Repository implements it.
type Syncable interface {
	Kind() Kind
	pendingIDs(ctx context.Context) ([]string, error)
	replay(ctx context.Context, id string) (newID string, replayed bool, err error)
	remapRefs(ctx context.Context, ids map[string]string) error
}

// KindReport counts one collection's outcome.
type KindReport struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// Report is the outcome of one pass. Partial failure is a normal outcome.
type Report struct {
	Synced     int                   `json:"synced"`
	Failed     int                   `json:"failed"`
	PerKind    map[string]KindReport `json:"perKind,omitempty"`
	Errors     []string              `json:"errors,omitempty"`
	IDs        map[string]string     `json:"ids,omitempty"`
	Skipped    bool                  `json:"skipped,omitempty"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt time.Time             `json:"finishedAt"`
}

// SyncSummary is persisted under SyncStatusKey after every pass.
type SyncSummary struct {
	LastRun    time.Time             `json:"lastRun"`
	Synced     int                   `json:"synced"`
	Failed     int                   `json:"failed"`
	PerKind    map[string]KindReport `json:"perKind,omitempty"`
	Pending    map[string]int        `json:"pending,omitempty"`
	LastErrors []string              `json:"lastErrors,omitempty"`
}

// LoadSyncSummary reads the summary written by the last pass.
func LoadSyncSummary(ctx context.Context, s LocalStore) (*SyncSummary, bool, error) {
	sum, ok, err := LoadItem[SyncSummary](ctx, s, SyncStatusKey)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &sum, true, nil
}

// ============================================================================
// Event Emitter
// ============================================================================

// SyncEventHandler receives reconciler events. Payloads are *Report for
// pass-level events and RecordEvent for record-level ones.
type SyncEventHandler func(event string, payload any)

// RecordEvent describes a single replayed record.
type RecordEvent struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	ServerID string `json:"serverId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type syncEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SyncEventHandler
}

// On registers handler for event.
func (e *syncEmitter) On(event string, handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *syncEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *syncEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]SyncEventHandler)
}

// ============================================================================
// Reconciler
// ============================================================================

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Store    LocalStore
	Monitor  *NetworkMonitor
	Logger   *slog.Logger
	Clock    Clock
	Debounce time.Duration
}

// Reconciler replays queued records against the server. Collections are
// drained in registration order so parents reach the server before the
// children that reference them; server ids handed out during a pass are
// rewritten into every later collection before it is drained.
type Reconciler struct {
	syncEmitter
	syncers  []Syncable
	store    LocalStore
	monitor  *NetworkMonitor
	logger   *slog.Logger
	now      Clock
	debounce time.Duration

	mu          sync.Mutex
	state       ReconcilerState
	rerun       bool
	timer       *time.Timer
	timerSeq    int
	unsubscribe func()
	destroyed   bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewReconciler creates a reconciler over syncers, drained in the given order.
func NewReconciler(cfg ReconcilerConfig, syncers ...Syncable) *Reconciler {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = NewNetworkMonitor(true)
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultReconcileDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		syncEmitter: syncEmitter{listeners: make(map[string][]SyncEventHandler)},
		syncers:     syncers,
		store:       cfg.Store,
		monitor:     cfg.Monitor,
		logger:      cfg.Logger,
		now:         cfg.Clock,
		debounce:    cfg.Debounce,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Init subscribes to connectivity changes and schedules a pass if the
// monitor is already online.
func (r *Reconciler) Init() {
	r.mu.Lock()
	if r.unsubscribe != nil || r.destroyed {
		r.mu.Unlock()
		return
	}
	r.unsubscribe = r.monitor.Subscribe(func(ev NetworkEvent) {
		switch ev {
		case EventOnline:
			r.Trigger()
		case EventOffline:
			r.stopTimer()
		}
	})
	r.mu.Unlock()

	if r.monitor.IsOnline() {
		r.Trigger()
	}
}

// Destroy unsubscribes, cancels any pass in flight and waits for it.
func (r *Reconciler) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.cancel()
	r.wg.Wait()
	r.removeAll()
}

// State reports the pass state.
func (r *Reconciler) State() ReconcilerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Trigger schedules an automatic pass after the debounce delay. Repeated
// triggers within the window collapse into one pass; a trigger during a pass
// schedules exactly one follow-up pass.
func (r *Reconciler) Trigger() {
	if !r.monitor.IsOnline() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	if r.timer != nil && !r.timer.Stop() {
		// Already fired; that callback runs the pass.
		return
	}
	r.scheduleLocked(r.debounce)
}

// scheduleLocked arms a fresh timer. The sequence number lets a callback
// that fired before being stopped recognize that it is stale.
func (r *Reconciler) scheduleLocked(d time.Duration) {
	r.timerSeq++
	seq := r.timerSeq
	r.timer = time.AfterFunc(d, func() { r.autoRun(seq) })
}

func (r *Reconciler) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerSeq++
}

func (r *Reconciler) autoRun(seq int) {
	r.mu.Lock()
	if seq != r.timerSeq {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	if r.destroyed || !r.monitor.IsOnline() {
		r.mu.Unlock()
		return
	}
	if r.state != StateIdle {
		r.rerun = true
		r.mu.Unlock()
		return
	}
	r.state = StateScanning
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	for {
		ctx, cancel := context.WithTimeout(r.ctx, reconcileTimeout)
		r.pass(ctx)
		cancel()

		r.mu.Lock()
		if !r.rerun || r.destroyed || !r.monitor.IsOnline() {
			r.rerun = false
			r.state = StateIdle
			r.mu.Unlock()
			return
		}
		r.rerun = false
		r.state = StateScanning
		r.mu.Unlock()
	}
}

// Run performs a pass now. It returns a Skipped report when a pass is
// already in flight or the monitor is offline. Failures are counted in the
// report, never returned.
func (r *Reconciler) Run(ctx context.Context) *Report {
	r.mu.Lock()
	if r.state != StateIdle || r.destroyed || !r.monitor.IsOnline() {
		r.mu.Unlock()
		now := r.now()
		rep := &Report{Skipped: true, StartedAt: now, FinishedAt: now}
		r.emit(EventSyncSkipped, rep)
		return rep
	}
	r.state = StateScanning
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state = StateIdle
		if r.rerun {
			r.rerun = false
			if !r.destroyed && r.timer == nil && r.monitor.IsOnline() {
				r.scheduleLocked(0)
			}
		}
		r.mu.Unlock()
		r.wg.Done()
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()
	return r.pass(ctx)
}

// pass drains every collection. The caller owns the state transition out of Idle.
func (r *Reconciler) pass(ctx context.Context) *Report {
	rep := &Report{
		PerKind:   make(map[string]KindReport, len(r.syncers)),
		IDs:       make(map[string]string),
		StartedAt: r.now(),
	}
	r.emit(EventSyncStart, rep)
	r.logger.Info("reconcile pass started")

	for _, s := range r.syncers {
		if ctx.Err() != nil {
			break
		}
		kind := s.Kind().Name
		kr := rep.PerKind[kind]

		r.setState(StateScanning)
		if err := s.remapRefs(ctx, rep.IDs); err != nil {
			rep.Errors = append(rep.Errors, kind+": "+err.Error())
		}
		ids, err := s.pendingIDs(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, kind+": "+err.Error())
			continue
		}

		r.setState(StateReplaying)
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			newID, replayed, err := s.replay(ctx, id)
			if !replayed {
				continue
			}
			if err != nil {
				kr.Failed++
				rep.Errors = append(rep.Errors, kind+" "+id+": "+err.Error())
				r.logger.Warn("record replay failed", "kind", kind, "id", id, "err", err)
				r.emit(EventRecordFailed, RecordEvent{Kind: kind, ID: id, Error: err.Error()})
				continue
			}
			kr.Synced++
			ev := RecordEvent{Kind: kind, ID: id}
			if newID != id {
				rep.IDs[id] = newID
				ev.ServerID = newID
			}
			r.emit(EventRecordSynced, ev)
		}
		rep.PerKind[kind] = kr
		rep.Synced += kr.Synced
		rep.Failed += kr.Failed
	}

	// Children drained before a parent id was known pick it up now; their
	// replay waits for the next pass.
	if len(rep.IDs) > 0 {
		for _, s := range r.syncers {
			if err := s.remapRefs(ctx, rep.IDs); err != nil {
				rep.Errors = append(rep.Errors, s.Kind().Name+": "+err.Error())
			}
		}
	}

	rep.FinishedAt = r.now()
	r.saveSummary(ctx, rep)
	r.logger.Info("reconcile pass finished", "synced", rep.Synced, "failed", rep.Failed)
	r.emit(EventSyncComplete, rep)
	return rep
}

func (r *Reconciler) setState(s ReconcilerState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reconciler) saveSummary(ctx context.Context, rep *Report) {
	sum := SyncSummary{
		LastRun: rep.FinishedAt,
		Synced:  rep.Synced,
		Failed:  rep.Failed,
		PerKind: rep.PerKind,
		Pending: make(map[string]int, len(r.syncers)),
	}
	ctx = context.WithoutCancel(ctx)
	for _, s := range r.syncers {
		if ids, err := s.pendingIDs(ctx); err == nil {
			sum.Pending[s.Kind().Name] = len(ids)
		}
	}
	sum.LastErrors = rep.Errors
	if len(sum.LastErrors) > maxSummaryErrors {
		sum.LastErrors = sum.LastErrors[:maxSummaryErrors]
	}
	if err := SaveItem(ctx, r.store, SyncStatusKey, sum); err != nil {
		r.logger.Error("saving sync summary", "err", err)
	}
}
