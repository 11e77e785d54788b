package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, token string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding %s %s: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func TestServer_CRUD(t *testing.T) {
	api := New()
	srv := httptest.NewServer(api)
	defer srv.Close()

	status, env := call(t, srv, http.MethodPost, "/api/projects", map[string]any{
		"name": "Refit", "status": "active", "sync": map[string]any{"status": "pending_create"},
	}, "")
	if status != http.StatusCreated || !env.Success {
		t.Fatalf("create: wanted 201 success, got %d %+v", status, env)
	}
	var created map[string]any
	json.Unmarshal(env.Data, &created)
	id, _ := created["id"].(string)
	if id != "srv-1" {
		t.Fatalf("wanted id srv-1, got %q", id)
	}
	if _, ok := created["sync"]; ok {
		t.Fatal("wanted sync state stripped")
	}

	t.Run("get", func(t *testing.T) {
		status, env := call(t, srv, http.MethodGet, "/api/projects/"+id, nil, "")
		if status != http.StatusOK || !env.Success {
			t.Fatalf("wanted 200, got %d", status)
		}
		status, env = call(t, srv, http.MethodGet, "/api/projects/missing", nil, "")
		if status != http.StatusNotFound || env.Success || env.Error == "" {
			t.Fatalf("wanted 404 with an error, got %d %+v", status, env)
		}
	})

	t.Run("update merges fields", func(t *testing.T) {
		status, env := call(t, srv, http.MethodPut, "/api/projects", map[string]any{"id": id, "status": "done"}, "")
		if status != http.StatusOK {
			t.Fatalf("wanted 200, got %d %s", status, env.Error)
		}
		rec := api.Records("projects")[0]
		if rec["status"] != "done" || rec["name"] != "Refit" {
			t.Fatalf("wanted merged record, got %+v", rec)
		}
		status, _ = call(t, srv, http.MethodPut, "/api/projects", map[string]any{"status": "x"}, "")
		if status != http.StatusBadRequest {
			t.Fatalf("wanted 400 without id, got %d", status)
		}
	})

	t.Run("delete", func(t *testing.T) {
		status, _ := call(t, srv, http.MethodDelete, "/api/projects?id="+id, nil, "")
		if status != http.StatusOK {
			t.Fatalf("wanted 200, got %d", status)
		}
		status, _ = call(t, srv, http.MethodDelete, "/api/projects?id="+id, nil, "")
		if status != http.StatusNotFound {
			t.Fatalf("wanted 404 on second delete, got %d", status)
		}
		if len(api.Records("projects")) != 0 {
			t.Fatal("wanted empty collection")
		}
	})

	t.Run("unknown collection", func(t *testing.T) {
		status, _ := call(t, srv, http.MethodGet, "/api/invoices", nil, "")
		if status != http.StatusNotFound {
			t.Fatalf("wanted 404, got %d", status)
		}
	})
}

func TestServer_Filters(t *testing.T) {
	api := New()
	srv := httptest.NewServer(api)
	defer srv.Close()

	p := api.Seed("projects", map[string]any{"name": "A"})
	api.Seed("project-tasks", map[string]any{"projectId": p, "title": "one"})
	api.Seed("project-tasks", map[string]any{"projectId": "srv-99", "title": "two"})
	api.Seed("bills", map[string]any{"customer": map[string]any{"name": "Ravi", "state": "Karnataka"}})
	api.Seed("bills", map[string]any{"customer": map[string]any{"name": "Asha", "state": "Maharashtra"}})

	tests := []struct {
		path   string
		wanted int
	}{
		{"/api/project-tasks", 2},
		{"/api/project-tasks?project_id=" + p, 1},
		{"/api/bills?state=karnataka", 1},
		{"/api/bills?customer=ASHA", 1},
		{"/api/bills?state=goa", 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, env := call(t, srv, http.MethodGet, tt.path, nil, "")
			var got []map[string]any
			if err := json.Unmarshal(env.Data, &got); err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.wanted {
				t.Fatalf("wanted %d records, got %d", tt.wanted, len(got))
			}
		})
	}

	for _, b := range api.Records("bills") {
		if n, _ := b["number"].(string); n == "" {
			t.Fatalf("wanted a bill number, got %+v", b)
		}
	}
}

func TestServer_FailOn(t *testing.T) {
	api := New()
	srv := httptest.NewServer(api)
	defer srv.Close()

	api.FailOn(http.MethodPost, "bills", 2, http.StatusServiceUnavailable)
	wanted := []int{http.StatusCreated, http.StatusServiceUnavailable, http.StatusCreated}
	for i, w := range wanted {
		status, _ := call(t, srv, http.MethodPost, "/api/bills", map[string]any{"status": "issued"}, "")
		if status != w {
			t.Fatalf("call %d: wanted %d, got %d", i+1, w, status)
		}
	}
	if got := api.Calls(http.MethodPost, "bills"); got != 3 {
		t.Fatalf("wanted 3 calls counted, got %d", got)
	}
	if got := len(api.Records("bills")); got != 2 {
		t.Fatalf("wanted 2 stored bills, got %d", got)
	}
}

func TestServer_Token(t *testing.T) {
	srv := httptest.NewServer(New(WithToken("secret")))
	defer srv.Close()

	if status, _ := call(t, srv, http.MethodGet, "/api/projects", nil, ""); status != http.StatusUnauthorized {
		t.Fatalf("wanted 401 without token, got %d", status)
	}
	if status, _ := call(t, srv, http.MethodGet, "/api/projects", nil, "wrong"); status != http.StatusUnauthorized {
		t.Fatalf("wanted 401 with a wrong token, got %d", status)
	}
	if status, _ := call(t, srv, http.MethodGet, "/api/projects", nil, "secret"); status != http.StatusOK {
		t.Fatalf("wanted 200, got %d", status)
	}
}

func TestServer_DropConnections(t *testing.T) {
	api := New()
	srv := httptest.NewServer(api)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	// Accept registers the socket asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		api.mu.Lock()
		n := len(api.conns)
		api.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	api.DropConnections()
	select {
	case err := <-readErr:
		if websocket.CloseStatus(err) != websocket.StatusGoingAway {
			t.Fatalf("wanted going-away close, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("connection was not dropped")
	}
}
