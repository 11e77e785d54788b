package bizsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Sync State
// ============================================================================

// SyncStatus names the outbox position of a record.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "synced"
	StatusPendingCreate SyncStatus = "pending_create"
	StatusPendingUpdate SyncStatus = "pending_update"
	StatusPendingDelete SyncStatus = "pending_delete"
)

// SyncState is the tagged sync variant carried by every record.
// Attempts and LastError are only meaningful while the record is pending.
type SyncState struct {
	Status    SyncStatus `json:"status"`
	Attempts  int        `json:"attempts,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// Synced returns the state of a record confirmed by the server.
func Synced() SyncState { return SyncState{Status: StatusSynced} }

// Pending returns a queued state with no attempts recorded.
func Pending(status SyncStatus) SyncState { return SyncState{Status: status} }

// IsPending reports whether the record is waiting in the outbox.
func (s SyncState) IsPending() bool {
	switch s.Status {
	case StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete:
		return true
	}
	return false
}

func (s SyncState) String() string {
	if !s.IsPending() {
		return string(StatusSynced)
	}
	return fmt.Sprintf("%s (attempts=%d)", s.Status, s.Attempts)
}

// ============================================================================
// Record Metadata
// ============================================================================

// LocalIDPrefix marks ids assigned on the client before the server has seen the record.
const LocalIDPrefix = "local-"

// Meta is embedded in every entity record.
type Meta struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Sync      SyncState `json:"sync"`
}

// EntityMeta gives generic code access to the embedded metadata.
func (m *Meta) EntityMeta() *Meta { return m }

// IsLocal reports whether the record has never been assigned a server id.
func (m *Meta) IsLocal() bool { return IsLocalID(m.ID) }

// IsSynced reports whether the server holds the current version of the record.
func (m *Meta) IsSynced() bool { return !m.Sync.IsPending() }

// SyncAttempts is the number of failed replays since the record was queued.
func (m *Meta) SyncAttempts() int { return m.Sync.Attempts }

// IsLocalID reports whether id was generated client-side.
func IsLocalID(id string) bool { return strings.HasPrefix(id, LocalIDPrefix) }

func newClientID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Entity is implemented by pointers to every record type.
type Entity interface {
	EntityMeta() *Meta
}

// filterable entities can answer collection filters locally while offline.
// Unknown keys must match so that server-only filters never hide records.
type filterable interface {
	MatchFilter(key, value string) bool
}

// scoped entities belong to a parent whose cache views they invalidate.
type scoped interface {
	ScopeID() string
}

// referencing entities point at other records by id.
type referencing interface {
	Refs() []string
	RemapRefs(ids map[string]string) bool
}

// normalizing entities rederive computed fields before every write.
type normalizing interface {
	Normalize()
}

// detaching entities own slices that a shallow copy would share.
type detaching interface {
	detach()
}

// validating entities reject payloads before they reach the outbox.
type validating interface {
	Validate() error
}

// ============================================================================
// Kinds
// ============================================================================

// Kind describes one entity collection: its LocalStore key, remote path and
// the cache views that depend on it.
type Kind struct {
	Name     string
	Path     string
	ScopeKey string
	Children []string
}

var (
	KindProjects = Kind{
		Name:     "projects",
		Path:     "/api/projects",
		Children: []string{"project_tasks", "project_comments"},
	}
	KindProjectTasks = Kind{
		Name:     "project_tasks",
		Path:     "/api/project-tasks",
		ScopeKey: "project_id",
	}
	KindProjectComments = Kind{
		Name:     "project_comments",
		Path:     "/api/project-comments",
		ScopeKey: "project_id",
	}
	KindBills = Kind{
		Name: "bills",
		Path: "/api/bills",
	}
)

// SyncStatusKey is the LocalStore key of the reconciliation summary.
const SyncStatusKey = "sync_status"

// ============================================================================
// Filters
// ============================================================================

// Filters narrows a collection read. Values are matched as strings.
type Filters map[string]string

// Encode renders filters in a stable order, each pair terminated by '|'
// so that one encoded prefix never matches a longer value.
func (f Filters) Encode() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(f[k])
		b.WriteByte('|')
	}
	return b.String()
}

func (f Filters) without(key string) Filters {
	if _, ok := f[key]; !ok {
		return f
	}
	out := make(Filters, len(f))
	for k, v := range f {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func matchesFilters(e Entity, f Filters) bool {
	fe, ok := e.(filterable)
	if !ok {
		return true
	}
	for k, v := range f {
		if !fe.MatchFilter(k, v) {
			return false
		}
	}
	return true
}

// ============================================================================
// Entities
// ============================================================================

// Project is a top-level unit of work.
type Project struct {
	Meta
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	Budget      float64    `json:"budget,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

func (p *Project) MatchFilter(key, value string) bool {
	switch key {
	case "status":
		return p.Status == value
	}
	return true
}

// ProjectTask belongs to a project.
type ProjectTask struct {
	Meta
	ProjectID string     `json:"projectId"`
	Title     string     `json:"title"`
	Status    string     `json:"status,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	Assignee  string     `json:"assignee,omitempty"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
}

func (t *ProjectTask) MatchFilter(key, value string) bool {
	switch key {
	case "project_id":
		return t.ProjectID == value
	case "status":
		return t.Status == value
	case "assignee":
		return t.Assignee == value
	}
	return true
}

func (t *ProjectTask) ScopeID() string { return t.ProjectID }

func (t *ProjectTask) Refs() []string { return []string{t.ProjectID} }

func (t *ProjectTask) RemapRefs(ids map[string]string) bool {
	if id, ok := ids[t.ProjectID]; ok {
		t.ProjectID = id
		return true
	}
	return false
}

// ProjectComment is attached to a project and optionally to one of its tasks.
type ProjectComment struct {
	Meta
	ProjectID string `json:"projectId"`
	TaskID    string `json:"taskId,omitempty"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
}

func (c *ProjectComment) MatchFilter(key, value string) bool {
	switch key {
	case "project_id":
		return c.ProjectID == value
	case "task_id":
		return c.TaskID == value
	}
	return true
}

func (c *ProjectComment) ScopeID() string { return c.ProjectID }

func (c *ProjectComment) Refs() []string {
	if c.TaskID == "" {
		return []string{c.ProjectID}
	}
	return []string{c.ProjectID, c.TaskID}
}

func (c *ProjectComment) RemapRefs(ids map[string]string) bool {
	changed := false
	if id, ok := ids[c.ProjectID]; ok {
		c.ProjectID = id
		changed = true
	}
	if id, ok := ids[c.TaskID]; ok {
		c.TaskID = id
		changed = true
	}
	return changed
}

// ============================================================================
// Remote Envelope
// ============================================================================

// Envelope is the response body shape of every remote endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals Data into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}
