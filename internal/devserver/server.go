// Package devserver is an in-memory implementation of the dashboard API used
// by integration tests and `bizsync devserver`.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
)

// Collections served under /api/.
var Collections = []string{"projects", "project-tasks", "project-comments", "bills"}

// filterFields maps query filters onto record fields. Unlisted keys are
// converted from snake_case to camelCase.
var filterFields = map[string]map[string][]string{
	"bills": {
		"customer": {"customer", "name"},
		"state":    {"customer", "state"},
	},
}

type record map[string]any

type failure struct {
	method     string
	collection string
	nth        int
	status     int
}

// Server is the fake backend. The zero value is not usable; call New.
type Server struct {
	token  string
	logger *slog.Logger

	mu       sync.Mutex
	seq      int
	data     map[string][]record
	calls    map[string]int
	failures []*failure
	conns    map[*websocket.Conn]struct{}

	router *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires a bearer token on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger logs each request.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		data:  make(map[string][]record),
		calls: make(map[string]int),
		conns: make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := mux.NewRouter()
	r.Use(s.logRequests, s.authenticate)
	r.HandleFunc("/ws", s.handleWS)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/{collection}", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/{collection}/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/{collection}", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/{collection}", s.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/{collection}", s.handleDelete).Methods(http.MethodDelete)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.DropConnections()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ── Test hooks ───────────────────────────────────────────

// FailOn makes the nth upcoming request (1-based) of method on collection
// answer with status instead of being served.
func (s *Server) FailOn(method, collection string, nth, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, collection: collection, nth: nth, status: status})
}

// Calls reports how many requests of method reached collection.
func (s *Server) Calls(method, collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+collection]
}

// Records returns a copy of a collection's records in insertion order.
func (s *Server) Records(collection string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.data[collection]))
	for _, rec := range s.data[collection] {
		out = append(out, clone(rec))
	}
	return out
}

// Seed inserts a record as if it had been created by another client.
func (s *Server) Seed(collection string, fields map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.newRecordLocked(collection, fields)
	return rec["id"].(string)
}

// DropConnections closes every open /ws socket.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server dropping connections")
	}
}

// ── Middleware ───────────────────────────────────────────

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Handlers ─────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.enter(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []record{}
	for _, rec := range s.data[coll] {
		if matches(coll, rec, r.URL.Query()) {
			out = append(out, clone(rec))
		}
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.enter(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.findLocked(coll, id)
	if rec == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", coll, id))
		return
	}
	writeData(w, http.StatusOK, clone(rec))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.enter(w, r)
	if !ok {
		return
	}
	var body record
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.newRecordLocked(coll, body)
	writeData(w, http.StatusCreated, clone(rec))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.enter(w, r)
	if !ok {
		return
	}
	var body record
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, _ := body["id"].(string)
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, cur := s.findLocked(coll, id)
	if cur == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", coll, id))
		return
	}
	delete(body, "sync")
	for k, v := range body {
		cur[k] = v
	}
	cur["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	s.data[coll][i] = cur
	writeData(w, http.StatusOK, clone(cur))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	coll, ok := s.enter(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	i, cur := s.findLocked(coll, id)
	if cur == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", coll, id))
		return
	}
	s.data[coll] = append(s.data[coll][:i], s.data[coll][i+1:]...)
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// enter validates the collection, counts the call and applies injected failures.
func (s *Server) enter(w http.ResponseWriter, r *http.Request) (string, bool) {
	coll := mux.Vars(r)["collection"]
	if !known(coll) {
		writeError(w, http.StatusNotFound, "unknown collection "+coll)
		return "", false
	}

	s.mu.Lock()
	key := r.Method + " " + coll
	s.calls[key]++
	n := s.calls[key]
	status := 0
	for i, f := range s.failures {
		if f.method == r.Method && f.collection == coll && f.nth == n {
			status = f.status
			s.failures = append(s.failures[:i], s.failures[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status, http.StatusText(status))
		return "", false
	}
	return coll, true
}

func (s *Server) newRecordLocked(coll string, fields map[string]any) record {
	s.seq++
	rec := clone(fields)
	delete(rec, "sync")
	rec["id"] = fmt.Sprintf("srv-%d", s.seq)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, ok := rec["createdAt"]; !ok {
		rec["createdAt"] = now
	}
	rec["updatedAt"] = now
	if coll == "bills" {
		if n, _ := rec["number"].(string); n == "" {
			rec["number"] = fmt.Sprintf("INV-%05d", s.seq)
		}
	}
	s.data[coll] = append(s.data[coll], rec)
	return rec
}

func (s *Server) findLocked(coll, id string) (int, record) {
	for i, rec := range s.data[coll] {
		if rec["id"] == id {
			return i, rec
		}
	}
	return -1, nil
}

// ── Helpers ──────────────────────────────────────────────

func known(coll string) bool {
	for _, c := range Collections {
		if c == coll {
			return true
		}
	}
	return false
}

func matches(coll string, rec record, query map[string][]string) bool {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path, ok := filterFields[coll][k]
		if !ok {
			path = []string{camel(k)}
		}
		if !strings.EqualFold(lookup(rec, path), query[k][0]) {
			return false
		}
	}
	return true
}

func lookup(rec map[string]any, path []string) string {
	var cur any = rec
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[p]
	}
	if cur == nil {
		return ""
	}
	return fmt.Sprint(cur)
}

func camel(snake string) string {
	parts := strings.Split(snake, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

func clone(m map[string]any) record {
	b, _ := json.Marshal(m)
	var out record
	json.Unmarshal(b, &out)
	if out == nil {
		out = record{}
	}
	return out
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
