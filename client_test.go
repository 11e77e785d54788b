package bizsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]ClientOption{WithRetryPolicy(fastPolicy(3))}, opts...)
	return NewClient(srv.URL, opts...)
}

func writeEnvelope(w http.ResponseWriter, status int, env map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// ============================================================================
// Status mapping
// ============================================================================

func TestKindForStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		401: KindUnauthorized,
		402: KindPaymentRequired,
		404: KindNotFound,
		400: KindValidation,
		409: KindValidation,
		422: KindValidation,
		408: KindTransient,
		500: KindTransient,
		503: KindTransient,
	}
	for status, want := range cases {
		got, failed := KindForStatus(status)
		if !failed || got != want {
			t.Fatalf("status %d: expected %v, got %v (failed=%v)", status, want, got, failed)
		}
	}
	if _, failed := KindForStatus(201); failed {
		t.Fatal("expected 201 to be a success")
	}
}

// ============================================================================
// Client.Do
// ============================================================================

func TestClientDo(t *testing.T) {
	ctx := context.Background()

	t.Run("success returns envelope", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			writeEnvelope(w, 200, map[string]any{"success": true, "data": map[string]any{"id": "srv-1"}})
		}, WithToken("tok"))

		env, err := c.Do(ctx, http.MethodGet, "/api/projects/srv-1", nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var p Project
		if err := env.Decode(&p); err != nil || p.ID != "srv-1" {
			t.Fatalf("expected srv-1, got %+v %v", p, err)
		}
	})

	t.Run("5xx retried up to the bound", func(t *testing.T) {
		var calls atomic.Int32
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeEnvelope(w, 503, map[string]any{"success": false, "error": "down for maintenance"})
		})

		_, err := c.Do(ctx, http.MethodGet, "/api/bills", nil, nil)
		if !errors.Is(err, ErrTransient) {
			t.Fatalf("expected transient error, got %v", err)
		}
		var e *Error
		if !errors.As(err, &e) || e.Status != 503 || e.Message != "down for maintenance" {
			t.Fatalf("unexpected error detail: %+v", e)
		}
		if calls.Load() != 3 {
			t.Fatalf("expected 3 calls, got %d", calls.Load())
		}
	})

	t.Run("4xx not retried", func(t *testing.T) {
		var calls atomic.Int32
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeEnvelope(w, 422, map[string]any{"success": false, "message": "name is required"})
		})

		_, err := c.Do(ctx, http.MethodPost, "/api/projects", Project{}, nil)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if calls.Load() != 1 {
			t.Fatalf("expected 1 call, got %d", calls.Load())
		}
	})

	t.Run("401 notifies handler", func(t *testing.T) {
		notified := false
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, 401, map[string]any{"success": false, "error": "expired"})
		}, WithUnauthorizedHandler(func() { notified = true }))

		_, err := c.Do(ctx, http.MethodGet, "/api/projects", nil, nil)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
		if !notified {
			t.Fatal("expected unauthorized handler to run")
		}
	})

	t.Run("402 is payment required", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, 402, map[string]any{"success": false, "error": "quota exceeded"})
		})
		_, err := c.Do(ctx, http.MethodPost, "/api/bills", Bill{}, nil)
		if !errors.Is(err, ErrPaymentRequired) {
			t.Fatalf("expected payment required, got %v", err)
		}
	})

	t.Run("success false on 200", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, 200, map[string]any{"success": false, "error": "duplicate bill number"})
		})
		_, err := c.Do(ctx, http.MethodPost, "/api/bills", Bill{}, nil)
		if KindOf(err) != KindValidation {
			t.Fatalf("expected validation, got %v", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>gateway</html>"))
		})
		_, err := c.Do(ctx, http.MethodGet, "/api/bills", nil, nil)
		if KindOf(err) != KindValidation {
			t.Fatalf("expected validation, got %v", err)
		}
	})

	t.Run("timeout is transient", func(t *testing.T) {
		var calls atomic.Int32
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			writeEnvelope(w, 200, map[string]any{"success": true})
		}, WithTimeout(5*time.Millisecond), WithRetryPolicy(fastPolicy(2)))

		_, err := c.Do(ctx, http.MethodGet, "/api/bills", nil, nil)
		if !IsRetryable(err) {
			t.Fatalf("expected retryable error, got %v", err)
		}
		if calls.Load() != 2 {
			t.Fatalf("expected 2 calls, got %d", calls.Load())
		}
	})

	t.Run("unreachable server is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		c := NewClient(url, WithRetryPolicy(fastPolicy(1)))
		_, err := c.Do(ctx, http.MethodGet, "/api/bills", nil, nil)
		if KindOf(err) != KindTransient {
			t.Fatalf("expected transient, got %v", err)
		}
	})
}

// ============================================================================
// Endpoint
// ============================================================================

func TestEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("request shapes", func(t *testing.T) {
		var seen []string
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.Method+" "+r.URL.RequestURI())
			switch r.Method {
			case http.MethodGet:
				if r.URL.Path == "/api/project-tasks" {
					writeEnvelope(w, 200, map[string]any{"success": true, "data": []map[string]any{{"id": "srv-1", "projectId": "P1"}}})
					return
				}
				writeEnvelope(w, 200, map[string]any{"success": true, "data": map[string]any{"id": "srv-1"}})
			case http.MethodPost, http.MethodPut:
				var body map[string]any
				json.NewDecoder(r.Body).Decode(&body)
				body["id"] = "srv-1"
				writeEnvelope(w, 200, map[string]any{"success": true, "data": body})
			case http.MethodDelete:
				writeEnvelope(w, 200, map[string]any{"success": true})
			}
		})
		ep := NewEndpoint[ProjectTask](c, KindProjectTasks)

		items, err := ep.List(ctx, Filters{"project_id": "P1"})
		if err != nil || len(items) != 1 || items[0].ProjectID != "P1" {
			t.Fatalf("unexpected list result %+v %v", items, err)
		}
		if _, err := ep.Get(ctx, "srv-1"); err != nil {
			t.Fatal(err)
		}
		created, err := ep.Create(ctx, ProjectTask{ProjectID: "P1", Title: "Wire shelves"})
		if err != nil || created.ID != "srv-1" || created.Title != "Wire shelves" {
			t.Fatalf("unexpected create result %+v %v", created, err)
		}
		if _, err := ep.Update(ctx, created); err != nil {
			t.Fatal(err)
		}
		if err := ep.Delete(ctx, "srv-1"); err != nil {
			t.Fatal(err)
		}

		want := []string{
			"GET /api/project-tasks?project_id=P1",
			"GET /api/project-tasks/srv-1",
			"POST /api/project-tasks",
			"PUT /api/project-tasks",
			"DELETE /api/project-tasks?id=srv-1",
		}
		if len(seen) != len(want) {
			t.Fatalf("expected %v, got %v", want, seen)
		}
		for i := range want {
			if seen[i] != want[i] {
				t.Fatalf("request %d: expected %q, got %q", i, want[i], seen[i])
			}
		}
	})

	t.Run("empty list", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, 200, map[string]any{"success": true, "data": nil})
		})
		items, err := NewEndpoint[Bill](c, KindBills).List(ctx, nil)
		if err != nil || items == nil || len(items) != 0 {
			t.Fatalf("expected empty non-nil slice, got %#v %v", items, err)
		}
	})
}
