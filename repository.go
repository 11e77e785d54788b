package bizsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Results
// ============================================================================

// Source tells where a read was answered from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// Result is a collection read. Stale is set when a remote failure forced a
// fallback to local data; the error is returned alongside.
type Result[T any] struct {
	Items  []T
	Source Source
	Stale  bool
}

// Mutation is the outcome of a write. Deferred is set when the change sits
// in the outbox waiting for the reconciler.
type Mutation[T any] struct {
	Record   T
	Deferred bool
	Message  string
}

const (
	msgDeferred = "saved locally, will sync when back online"
	msgQueued   = "server unreachable, change queued for retry"
)

// ============================================================================
// Repository
// ============================================================================

// RepositoryConfig carries the collaborators shared by every repository.
type RepositoryConfig struct {
	Cache   *TTLCache
	Store   LocalStore
	Monitor *NetworkMonitor
	Logger  *slog.Logger
	Clock   Clock

	// PersistDelay debounces LocalStore writes. Zero writes through on every
	// mutation; Flush and Close force a pending write.
	PersistDelay time.Duration

	// OnQueued is told whenever a change lands in the outbox.
	OnQueued func(kind Kind)
}

// Repository is the local-first store of one entity kind. It keeps an
// id-indexed arena of records mirrored to LocalStore, answers reads from the
// TTL cache, the server, or the arena depending on freshness and
// connectivity, and tags offline writes for the Reconciler.
type Repository[T any, P interface {
	*T
	Entity
}] struct {
	kind     Kind
	remote   Remote[T]
	cache    *TTLCache
	store    LocalStore
	monitor  *NetworkMonitor
	logger   *slog.Logger
	now      Clock
	delay    time.Duration
	onQueued func(Kind)

	mu     sync.Mutex
	loaded bool
	order  []string
	byID   map[string]P
	dirty  bool
	timer  *time.Timer
}

// NewRepository wires a repository for kind. Missing collaborators get
// in-memory defaults and an online monitor.
func NewRepository[T any, P interface {
	*T
	Entity
}](kind Kind, remote Remote[T], cfg RepositoryConfig) *Repository[T, P] {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Cache == nil {
		cfg.Cache = NewTTLCache(DefaultTTL, cfg.Clock)
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = NewNetworkMonitor(true)
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	return &Repository[T, P]{
		kind:     kind,
		remote:   remote,
		cache:    cfg.Cache,
		store:    cfg.Store,
		monitor:  cfg.Monitor,
		logger:   cfg.Logger.With("kind", kind.Name),
		now:      cfg.Clock,
		delay:    cfg.PersistDelay,
		onQueued: cfg.OnQueued,
		byID:     make(map[string]P),
	}
}

// Kind returns the collection this repository serves.
func (r *Repository[T, P]) Kind() Kind { return r.kind }

// Load reads the LocalStore mirror. Other operations call it lazily.
func (r *Repository[T, P]) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLoadedLocked(ctx)
}

// ── Reads ────────────────────────────────────────────────

// FetchCollection returns the records matching filters. A fresh cached view
// wins unless forceRefresh is set. Online, the server answer is merged into
// the arena with local pending changes layered on top; on failure the local
// view is returned with Stale set and the error. Offline reads the arena.
func (r *Repository[T, P]) FetchCollection(ctx context.Context, filters Filters, forceRefresh bool) (*Result[T], error) {
	key := CollectionKey(r.kind, filters)
	if !forceRefresh {
		if v, ok := r.cache.Get(key); ok {
			r.logger.Debug("cache hit", "key", key)
			return &Result[T]{Items: r.copyValues(v.([]T)), Source: SourceCache}, nil
		}
	}

	if err := r.Load(ctx); err != nil {
		return nil, err
	}

	if !r.monitor.IsOnline() {
		return &Result[T]{Items: r.localView(filters), Source: SourceLocal}, nil
	}

	items, err := r.remote.List(ctx, filters)
	if err != nil {
		r.logger.Warn("remote list failed, serving local data", "err", err)
		return &Result[T]{Items: r.localView(filters), Source: SourceLocal, Stale: true},
			fmt.Errorf("fetching %s: %w", r.kind.Name, err)
	}

	view, err := r.mergeRemote(ctx, items, filters)
	r.cache.Set(key, view)
	res := &Result[T]{Items: r.copyValues(view), Source: SourceRemote}
	if err != nil {
		return res, err
	}
	return res, nil
}

// FetchOne returns a single record. Records with pending local changes are
// answered locally because the server copy is older. On a remote failure
// with a local copy available, both the copy and the error are returned.
func (r *Repository[T, P]) FetchOne(ctx context.Context, id string, forceRefresh bool) (T, error) {
	var zero T
	key := RecordKey(r.kind, id)
	if !forceRefresh {
		if v, ok := r.cache.Get(key); ok {
			return r.copyValue(v.(T)), nil
		}
	}

	r.mu.Lock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		r.mu.Unlock()
		return zero, err
	}
	local, hasLocal := r.byID[id]
	if hasLocal && local.EntityMeta().Sync.Status == StatusPendingDelete {
		r.mu.Unlock()
		return zero, r.notFound(id)
	}
	if hasLocal && (local.EntityMeta().Sync.IsPending() || IsLocalID(id) || !r.monitor.IsOnline()) {
		v := *r.clone(local)
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	if !r.monitor.IsOnline() {
		return zero, r.notFound(id)
	}

	item, err := r.remote.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.mu.Lock()
			if cur, ok := r.byID[id]; ok && !cur.EntityMeta().Sync.IsPending() {
				r.removeLocked(id)
				r.persistLocked(ctx)
			}
			r.mu.Unlock()
			r.cache.Invalidate(key)
			return zero, err
		}
		if hasLocal {
			return *r.clone(local), fmt.Errorf("fetching %s %s: %w", r.kind.Name, id, err)
		}
		return zero, err
	}

	p := P(&item)
	p.EntityMeta().Sync = Synced()
	r.mu.Lock()
	if cur, ok := r.byID[id]; ok && cur.EntityMeta().Sync.IsPending() {
		p = r.clone(cur)
	} else {
		if ok && p.EntityMeta().ClientID == "" {
			p.EntityMeta().ClientID = cur.EntityMeta().ClientID
		}
		r.insertLocked(r.clone(p))
		err = r.persistLocked(ctx)
	}
	v := *r.clone(p)
	r.mu.Unlock()

	r.cache.Set(key, r.copyValue(v))
	return v, err
}

// ── Writes ───────────────────────────────────────────────

// Create adds a record. Online it is sent at once and stored with the server
// id. Offline, or when it references a parent the server has not seen yet,
// it is stored under a local id as pending_create and returned immediately.
func (r *Repository[T, P]) Create(ctx context.Context, item T) (*Mutation[T], error) {
	p := r.clone(&item)
	if err := r.prepare(p); err != nil {
		return nil, err
	}
	now := r.now()
	meta := p.EntityMeta()
	if meta.ClientID == "" {
		meta.ClientID = newClientID()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	if err := r.Load(ctx); err != nil {
		return nil, err
	}

	if r.monitor.IsOnline() && !hasLocalRefs(p) {
		meta.ID = ""
		meta.Sync = Synced()
		created, err := r.remote.Create(ctx, *p)
		if err == nil {
			cp := P(&created)
			cm := cp.EntityMeta()
			cm.Sync = Synced()
			if cm.ClientID == "" {
				cm.ClientID = meta.ClientID
			}
			if cm.ID == "" {
				return nil, &Error{Kind: KindValidation, Message: "server returned a record without an id"}
			}
			r.mu.Lock()
			r.insertLocked(r.clone(cp))
			r.invalidate(cp)
			perr := r.persistLocked(ctx)
			r.mu.Unlock()
			return &Mutation[T]{Record: *r.clone(cp), Message: "created"}, perr
		}
		if !IsRetryable(err) {
			return nil, err
		}
		r.logger.Warn("create failed after retries, queueing", "client_id", meta.ClientID, "err", err)
		meta.ID = LocalIDPrefix + meta.ClientID
		meta.Sync = SyncState{Status: StatusPendingCreate, Attempts: 1, LastError: err.Error()}
		mut, perr := r.enqueue(ctx, p, msgQueued)
		if perr != nil {
			return mut, perr
		}
		return mut, err
	}

	meta.ID = LocalIDPrefix + meta.ClientID
	meta.Sync = Pending(StatusPendingCreate)
	return r.enqueue(ctx, p, msgDeferred)
}

// Update applies patch to the current record. Offline, the patched record is
// marked pending_update even if it was synced before; a record that never
// reached the server stays pending_create.
func (r *Repository[T, P]) Update(ctx context.Context, id string, patch func(*T)) (*Mutation[T], error) {
	cur, err := r.current(ctx, id)
	if err != nil {
		return nil, err
	}

	next := r.clone(cur)
	patch((*T)(next))
	cm, nm := cur.EntityMeta(), next.EntityMeta()
	nm.ID, nm.ClientID, nm.CreatedAt = cm.ID, cm.ClientID, cm.CreatedAt
	nm.UpdatedAt = r.now()
	if err := r.prepare(next); err != nil {
		return nil, err
	}

	if cm.Sync.Status == StatusPendingCreate || !r.monitor.IsOnline() || hasLocalRefs(next) {
		if cm.Sync.Status == StatusPendingCreate {
			nm.Sync = cm.Sync
		} else {
			nm.Sync = SyncState{Status: StatusPendingUpdate, Attempts: cm.Sync.Attempts}
		}
		r.invalidate(cur)
		return r.enqueue(ctx, next, msgDeferred)
	}

	nm.Sync = Synced()
	updated, err := r.remote.Update(ctx, *next)
	if err == nil {
		up := P(&updated)
		up.EntityMeta().Sync = Synced()
		if up.EntityMeta().ID == "" {
			up.EntityMeta().ID = id
		}
		if up.EntityMeta().ClientID == "" {
			up.EntityMeta().ClientID = cm.ClientID
		}
		r.mu.Lock()
		r.insertLocked(r.clone(up))
		r.invalidate(cur)
		r.invalidate(up)
		perr := r.persistLocked(ctx)
		r.mu.Unlock()
		return &Mutation[T]{Record: *r.clone(up), Message: "updated"}, perr
	}
	if !IsRetryable(err) {
		return nil, err
	}
	r.logger.Warn("update failed after retries, queueing", "id", id, "err", err)
	nm.Sync = SyncState{Status: StatusPendingUpdate, Attempts: 1, LastError: err.Error()}
	r.invalidate(cur)
	mut, perr := r.enqueue(ctx, next, msgQueued)
	if perr != nil {
		return mut, perr
	}
	return mut, err
}

// Delete removes a record. A record the server never saw is dropped locally.
// Offline, a server-known record becomes a pending_delete tombstone, hidden
// from reads, which the Reconciler replays as a remote delete.
func (r *Repository[T, P]) Delete(ctx context.Context, id string) (*Mutation[T], error) {
	r.mu.Lock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	cur, ok := r.byID[id]
	if ok && (IsLocalID(id) || cur.EntityMeta().Sync.Status == StatusPendingCreate) {
		snap := *r.clone(cur)
		r.removeLocked(id)
		r.invalidate(cur)
		err := r.persistLocked(ctx)
		r.mu.Unlock()
		return &Mutation[T]{Record: snap, Message: "deleted"}, err
	}
	r.mu.Unlock()

	tombstone := func(attempts int, lastErr string) P {
		var t P
		if ok {
			t = r.clone(cur)
		} else {
			t = P(new(T))
			t.EntityMeta().ID = id
		}
		t.EntityMeta().UpdatedAt = r.now()
		t.EntityMeta().Sync = SyncState{Status: StatusPendingDelete, Attempts: attempts, LastError: lastErr}
		return t
	}

	if !r.monitor.IsOnline() {
		return r.enqueue(ctx, tombstone(0, ""), msgDeferred)
	}

	err := r.remote.Delete(ctx, id)
	if err == nil || errors.Is(err, ErrNotFound) {
		var snap T
		r.mu.Lock()
		if cur, ok := r.byID[id]; ok {
			snap = *r.clone(cur)
			r.removeLocked(id)
			r.invalidate(cur)
		} else {
			r.invalidate(P(&snap))
		}
		perr := r.persistLocked(ctx)
		r.mu.Unlock()
		return &Mutation[T]{Record: snap, Message: "deleted"}, perr
	}
	if !IsRetryable(err) {
		return nil, err
	}
	r.logger.Warn("delete failed after retries, queueing", "id", id, "err", err)
	mut, perr := r.enqueue(ctx, tombstone(1, err.Error()), msgQueued)
	if perr != nil {
		return mut, perr
	}
	return mut, err
}

// ── Outbox inspection ────────────────────────────────────

// Pending returns the queued records in storage order.
func (r *Repository[T, P]) Pending(ctx context.Context) ([]T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	var out []T
	for _, id := range r.order {
		if p := r.byID[id]; p.EntityMeta().Sync.IsPending() {
			out = append(out, *r.clone(p))
		}
	}
	return out, nil
}

// PendingCount is the number of queued records.
func (r *Repository[T, P]) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.byID {
		if p.EntityMeta().Sync.IsPending() {
			n++
		}
	}
	return n
}

// Flush writes a debounced mirror now.
func (r *Repository[T, P]) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if !r.dirty {
		return nil
	}
	return r.writeLocked(ctx)
}

// Close flushes pending writes.
func (r *Repository[T, P]) Close() error {
	return r.Flush(context.Background())
}

// ── Reconciler hooks ─────────────────────────────────────

func (r *Repository[T, P]) pendingIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range r.order {
		if r.byID[id].EntityMeta().Sync.IsPending() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// replay sends one queued record. It returns the record's id after the call,
// which differs from id when a pending_create received its server id.
// A record that is no longer pending is skipped without a remote call.
func (r *Repository[T, P]) replay(ctx context.Context, id string) (newID string, replayed bool, err error) {
	r.mu.Lock()
	cur, ok := r.byID[id]
	if !ok || !cur.EntityMeta().Sync.IsPending() {
		r.mu.Unlock()
		return id, false, nil
	}
	snap := r.clone(cur)
	r.mu.Unlock()

	sm := snap.EntityMeta()
	if hasLocalRefs(snap) {
		err = fmt.Errorf("waiting for parent record to sync")
		r.recordFailure(ctx, id, err)
		return id, true, err
	}

	switch sm.Sync.Status {
	case StatusPendingCreate:
		send := r.clone(snap)
		send.EntityMeta().ID = ""
		send.EntityMeta().Sync = Synced()
		var created T
		created, err = r.remote.Create(ctx, *send)
		if err == nil {
			newID, err = r.confirm(ctx, id, snap, P(&created))
			return newID, true, err
		}
	case StatusPendingUpdate:
		send := r.clone(snap)
		send.EntityMeta().Sync = Synced()
		var updated T
		updated, err = r.remote.Update(ctx, *send)
		if err == nil {
			newID, err = r.confirm(ctx, id, snap, P(&updated))
			return newID, true, err
		}
	case StatusPendingDelete:
		err = r.remote.Delete(ctx, id)
		if err == nil || errors.Is(err, ErrNotFound) {
			r.mu.Lock()
			if cur, ok := r.byID[id]; ok {
				r.removeLocked(id)
				r.invalidate(cur)
			}
			perr := r.persistLocked(ctx)
			r.mu.Unlock()
			return id, true, perr
		}
	}

	r.recordFailure(ctx, id, err)
	return id, true, err
}

// confirm stores the server copy of a replayed record. Edits made while the
// call was in flight are kept and re-queued as pending_update; a delete made
// meanwhile becomes a pending_delete of the server id.
func (r *Repository[T, P]) confirm(ctx context.Context, id string, sent, server P) (string, error) {
	sm := server.EntityMeta()
	if sm.ID == "" {
		sm.ID = id
	}
	if sm.ClientID == "" {
		sm.ClientID = sent.EntityMeta().ClientID
	}
	sm.Sync = Synced()

	r.mu.Lock()
	cur, ok := r.byID[id]
	if !ok {
		// Deleted locally while the call was on the wire: the server copy
		// must go too.
		tomb := r.clone(server)
		tomb.EntityMeta().UpdatedAt = r.now()
		tomb.EntityMeta().Sync = Pending(StatusPendingDelete)
		r.insertLocked(tomb)
		r.invalidate(tomb)
		err := r.persistLocked(ctx)
		r.mu.Unlock()
		r.logger.Info("record deleted during replay, queueing remote delete", "id", sm.ID)
		if r.onQueued != nil {
			r.onQueued(r.kind)
		}
		return sm.ID, err
	}
	defer r.mu.Unlock()
	stored := r.clone(server)
	switch {
	case cur.EntityMeta().Sync.Status == StatusPendingDelete:
		stored = r.clone(cur)
		stored.EntityMeta().ID = sm.ID
	case !cur.EntityMeta().UpdatedAt.Equal(sent.EntityMeta().UpdatedAt):
		stored = r.clone(cur)
		stored.EntityMeta().ID = sm.ID
		stored.EntityMeta().Sync = Pending(StatusPendingUpdate)
	}
	r.replaceLocked(id, stored)
	r.invalidate(cur)
	r.invalidate(stored)
	return sm.ID, r.persistLocked(ctx)
}

func (r *Repository[T, P]) recordFailure(ctx context.Context, id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok {
		return
	}
	m := cur.EntityMeta()
	m.Sync.Attempts++
	m.Sync.LastError = cause.Error()
	if err := r.persistLocked(ctx); err != nil {
		r.logger.Error("persisting sync attempt", "id", id, "err", err)
	}
}

// remapRefs rewrites references to records that just received server ids.
func (r *Repository[T, P]) remapRefs(ctx context.Context, ids map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	changed := false
	for _, id := range r.order {
		p := r.byID[id]
		if ref, ok := any(p).(referencing); ok {
			before := r.clone(p)
			if ref.RemapRefs(ids) {
				r.invalidate(before)
				r.invalidate(p)
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	return r.persistLocked(ctx)
}

// ── Internals ────────────────────────────────────────────

func (r *Repository[T, P]) ensureLoadedLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	items, _, err := LoadItem[[]T](ctx, r.store, r.kind.Name)
	if err != nil {
		return err
	}
	for i := range items {
		p := P(&items[i])
		id := p.EntityMeta().ID
		if id == "" {
			continue
		}
		if p.EntityMeta().Sync.Status == "" {
			p.EntityMeta().Sync = Synced()
		}
		r.insertLocked(p)
	}
	r.loaded = true
	return nil
}

// current returns the record to patch, fetching it when only the server has it.
func (r *Repository[T, P]) current(ctx context.Context, id string) (P, error) {
	r.mu.Lock()
	if err := r.ensureLoadedLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	cur, ok := r.byID[id]
	if ok {
		cur = r.clone(cur)
	}
	r.mu.Unlock()
	if ok {
		if cur.EntityMeta().Sync.Status == StatusPendingDelete {
			return nil, r.notFound(id)
		}
		return cur, nil
	}
	if !r.monitor.IsOnline() {
		return nil, r.notFound(id)
	}
	v, err := r.FetchOne(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return r.clone(&v), nil
}

func (r *Repository[T, P]) prepare(p P) error {
	if n, ok := any(p).(normalizing); ok {
		n.Normalize()
	}
	if v, ok := any(p).(validating); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// enqueue stores p in the outbox and notifies the reconciler.
func (r *Repository[T, P]) enqueue(ctx context.Context, p P, message string) (*Mutation[T], error) {
	r.mu.Lock()
	r.insertLocked(r.clone(p))
	r.invalidate(p)
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	r.logger.Info("record queued", "id", p.EntityMeta().ID, "status", p.EntityMeta().Sync.Status)
	if r.onQueued != nil {
		r.onQueued(r.kind)
	}
	return &Mutation[T]{Record: *r.clone(p), Deferred: true, Message: message}, err
}

// mergeRemote folds a server listing into the arena and returns the overlay
// visible to the caller. An unfiltered listing is authoritative: synced
// records the server no longer has are dropped.
func (r *Repository[T, P]) mergeRemote(ctx context.Context, items []T, filters Filters) ([]T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(items))
	ids := make([]string, 0, len(items))
	for i := range items {
		p := r.clone(&items[i])
		m := p.EntityMeta()
		if m.ID == "" {
			continue
		}
		m.Sync = Synced()
		seen[m.ID] = true
		ids = append(ids, m.ID)
		cur, ok := r.byID[m.ID]
		if ok && cur.EntityMeta().Sync.IsPending() {
			continue
		}
		if ok && m.ClientID == "" {
			m.ClientID = cur.EntityMeta().ClientID
		}
		r.insertLocked(p)
	}

	if len(filters) == 0 {
		for _, id := range append([]string(nil), r.order...) {
			if p := r.byID[id]; !seen[id] && !p.EntityMeta().Sync.IsPending() {
				r.removeLocked(id)
			}
		}
	}

	view := make([]T, 0, len(ids))
	for _, id := range ids {
		p := r.byID[id]
		if p.EntityMeta().Sync.Status == StatusPendingDelete || !matchesFilters(p, filters) {
			continue
		}
		view = append(view, *r.clone(p))
	}
	for _, id := range r.order {
		p := r.byID[id]
		if seen[id] || p.EntityMeta().Sync.Status != StatusPendingCreate {
			continue
		}
		if matchesFilters(p, filters) {
			view = append(view, *r.clone(p))
		}
	}
	return view, r.persistLocked(ctx)
}

func (r *Repository[T, P]) localView(filters Filters) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		p := r.byID[id]
		if p.EntityMeta().Sync.Status == StatusPendingDelete || !matchesFilters(p, filters) {
			continue
		}
		out = append(out, *r.clone(p))
	}
	return out
}

func (r *Repository[T, P]) insertLocked(p P) {
	id := p.EntityMeta().ID
	if _, ok := r.byID[id]; !ok {
		r.order = append(r.order, id)
	}
	r.byID[id] = p
}

func (r *Repository[T, P]) removeLocked(id string) {
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// replaceLocked swaps the record under oldID for p, keeping its position.
func (r *Repository[T, P]) replaceLocked(oldID string, p P) {
	newID := p.EntityMeta().ID
	if oldID == newID {
		r.byID[newID] = p
		return
	}
	if _, exists := r.byID[newID]; exists {
		r.removeLocked(oldID)
		r.byID[newID] = p
		return
	}
	delete(r.byID, oldID)
	for i, v := range r.order {
		if v == oldID {
			r.order[i] = newID
			break
		}
	}
	r.byID[newID] = p
}

// invalidate drops every cached view that could contain p.
func (r *Repository[T, P]) invalidate(p P) {
	id := p.EntityMeta().ID
	r.cache.InvalidatePrefix(r.kind.Name + "|")
	r.cache.Invalidate(RecordKey(r.kind, id))
	if s, ok := any(p).(scoped); ok && s.ScopeID() != "" {
		r.cache.InvalidatePrefix(scopePrefix(r.kind.Name, s.ScopeID()))
	}
	for _, child := range r.kind.Children {
		r.cache.InvalidatePrefix(scopePrefix(child, id))
	}
}

func (r *Repository[T, P]) persistLocked(ctx context.Context) error {
	r.dirty = true
	if r.delay <= 0 {
		return r.writeLocked(ctx)
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.delay, func() {
			if err := r.Flush(context.Background()); err != nil {
				r.logger.Error("debounced persist failed", "err", err)
			}
		})
	}
	return nil
}

func (r *Repository[T, P]) writeLocked(ctx context.Context) error {
	items := make([]T, 0, len(r.order))
	for _, id := range r.order {
		items = append(items, *r.byID[id])
	}
	if err := SaveItem(ctx, r.store, r.kind.Name, items); err != nil {
		return err
	}
	r.dirty = false
	return nil
}

func (r *Repository[T, P]) clone(p P) P {
	c := *p
	cp := P(&c)
	if d, ok := any(cp).(detaching); ok {
		d.detach()
	}
	return cp
}

func (r *Repository[T, P]) copyValue(v T) T { return *r.clone(&v) }

func (r *Repository[T, P]) copyValues(vs []T) []T {
	out := make([]T, len(vs))
	for i := range vs {
		out[i] = r.copyValue(vs[i])
	}
	return out
}

func (r *Repository[T, P]) notFound(id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", r.kind.Name, id)}
}

func hasLocalRefs(e Entity) bool {
	ref, ok := e.(referencing)
	if !ok {
		return false
	}
	for _, id := range ref.Refs() {
		if IsLocalID(id) {
			return true
		}
	}
	return false
}
