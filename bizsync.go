package bizsync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ============================================================================
// Workspace
// ============================================================================

// Workspace wires the four entity repositories to one cache, one local store,
// one connectivity monitor and one reconciler.
type Workspace struct {
	Projects        *Repository[Project, *Project]
	ProjectTasks    *Repository[ProjectTask, *ProjectTask]
	ProjectComments *Repository[ProjectComment, *ProjectComment]
	Bills           *Repository[Bill, *Bill]
	Reconciler      *Reconciler

	Client  *Client
	Cache   *TTLCache
	Store   LocalStore
	Monitor *NetworkMonitor

	logger *slog.Logger
}

type workspaceOptions struct {
	ttl          time.Duration
	persistDelay time.Duration
	debounce     time.Duration
	logger       *slog.Logger
	clock        Clock
}

// WorkspaceOption customizes NewWorkspace.
type WorkspaceOption func(*workspaceOptions)

// WithTTL sets the cache freshness window.
func WithTTL(ttl time.Duration) WorkspaceOption {
	return func(o *workspaceOptions) { o.ttl = ttl }
}

// WithPersistDelay debounces local store writes.
func WithPersistDelay(d time.Duration) WorkspaceOption {
	return func(o *workspaceOptions) { o.persistDelay = d }
}

// WithReconcileDebounce sets the delay between reconnecting and the automatic pass.
func WithReconcileDebounce(d time.Duration) WorkspaceOption {
	return func(o *workspaceOptions) { o.debounce = d }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) WorkspaceOption {
	return func(o *workspaceOptions) { o.logger = l }
}

// WithClock substitutes the time source.
func WithClock(c Clock) WorkspaceOption {
	return func(o *workspaceOptions) { o.clock = c }
}

// NewWorkspace builds the data layer and loads every collection from store.
func NewWorkspace(ctx context.Context, client *Client, store LocalStore, monitor *NetworkMonitor, opts ...WorkspaceOption) (*Workspace, error) {
	o := workspaceOptions{ttl: DefaultTTL, debounce: DefaultReconcileDebounce, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = discardLogger()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if monitor == nil {
		monitor = NewNetworkMonitor(true)
	}

	ws := &Workspace{
		Client:  client,
		Cache:   NewTTLCache(o.ttl, o.clock),
		Store:   store,
		Monitor: monitor,
		logger:  o.logger,
	}
	cfg := RepositoryConfig{
		Cache:        ws.Cache,
		Store:        store,
		Monitor:      monitor,
		Logger:       o.logger,
		Clock:        o.clock,
		PersistDelay: o.persistDelay,
		OnQueued: func(Kind) {
			if ws.Reconciler != nil {
				ws.Reconciler.Trigger()
			}
		},
	}
	ws.Projects = NewRepository[Project](KindProjects, NewEndpoint[Project](client, KindProjects), cfg)
	ws.ProjectTasks = NewRepository[ProjectTask](KindProjectTasks, NewEndpoint[ProjectTask](client, KindProjectTasks), cfg)
	ws.ProjectComments = NewRepository[ProjectComment](KindProjectComments, NewEndpoint[ProjectComment](client, KindProjectComments), cfg)
	ws.Bills = NewRepository[Bill](KindBills, NewEndpoint[Bill](client, KindBills), cfg)

	ws.Reconciler = NewReconciler(ReconcilerConfig{
		Store:    store,
		Monitor:  monitor,
		Logger:   o.logger,
		Clock:    o.clock,
		Debounce: o.debounce,
	}, ws.Projects, ws.ProjectTasks, ws.ProjectComments, ws.Bills)

	for _, l := range ws.loaders() {
		if err := l.Load(ctx); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

type workspaceRepo interface {
	Kind() Kind
	Load(ctx context.Context) error
	PendingCount() int
	Flush(ctx context.Context) error
}

func (ws *Workspace) loaders() []workspaceRepo {
	return []workspaceRepo{ws.Projects, ws.ProjectTasks, ws.ProjectComments, ws.Bills}
}

// Init starts automatic reconciliation.
func (ws *Workspace) Init() {
	ws.Reconciler.Init()
}

// Destroy stops reconciliation and flushes pending local writes.
func (ws *Workspace) Destroy() error {
	ws.Reconciler.Destroy()
	return ws.Flush(context.Background())
}

// Flush writes every debounced collection.
func (ws *Workspace) Flush(ctx context.Context) error {
	var errs []error
	for _, r := range ws.loaders() {
		if err := r.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync runs a reconciliation pass now.
func (ws *Workspace) Sync(ctx context.Context) *Report {
	return ws.Reconciler.Run(ctx)
}

// Status is a snapshot of the data layer.
type Status struct {
	Online   bool           `json:"online"`
	State    string         `json:"state"`
	Pending  map[string]int `json:"pending"`
	LastSync *SyncSummary   `json:"lastSync,omitempty"`
}

// Status reports connectivity, queue depth per collection and the last pass.
func (ws *Workspace) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Online:  ws.Monitor.IsOnline(),
		State:   ws.Reconciler.State().String(),
		Pending: make(map[string]int),
	}
	for _, r := range ws.loaders() {
		st.Pending[r.Kind().Name] = r.PendingCount()
	}
	sum, ok, err := LoadSyncSummary(ctx, ws.Store)
	if err != nil {
		return st, err
	}
	if ok {
		st.LastSync = sum
	}
	return st, nil
}
