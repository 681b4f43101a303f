package idempotency

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func serve(t *testing.T, mw echo.MiddlewareFunc, h echo.HandlerFunc, method, path, key, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	return rec, mw(h)(e.NewContext(req, rec))
}

func counting(status int, body string) (echo.HandlerFunc, *int) {
	n := 0
	return func(c echo.Context) error {
		n++
		c.Response().Header().Set("X-Report", "r-1")
		return c.String(status, body)
	}, &n
}

func TestMiddleware_PassThroughWithoutKey(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()
	mw := Middleware(store, zerolog.Nop())
	h, calls := counting(http.StatusCreated, "ok")

	for i := 0; i < 2; i++ {
		if _, err := serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "", "{}"); err != nil {
			t.Fatal(err)
		}
	}
	if *calls != 2 {
		t.Errorf("handler called %d times, want 2", *calls)
	}
}

func TestMiddleware_GETIgnored(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()
	h, calls := counting(http.StatusOK, "ok")

	serve(t, Middleware(store, zerolog.Nop()), h, http.MethodGet, "/api/v1/lab-reports", "k", "")
	if *calls != 1 {
		t.Errorf("handler called %d times, want 1", *calls)
	}
	if _, ok, _ := store.Get(context.Background(), "k"); ok {
		t.Error("GET responses must not be stored")
	}
}

func TestMiddleware_ReplaysSuccessfulResponse(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()
	mw := Middleware(store, zerolog.Nop())
	h, calls := counting(http.StatusCreated, `{"kind":"accepted"}`)

	rec1, err := serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-1", `{"items":[]}`)
	if err != nil {
		t.Fatal(err)
	}
	rec2, err := serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-1", `{"items":[]}`)
	if err != nil {
		t.Fatal(err)
	}

	if *calls != 1 {
		t.Errorf("handler called %d times, want 1", *calls)
	}
	if rec1.Code != http.StatusCreated || rec2.Code != http.StatusCreated {
		t.Errorf("unexpected status codes %d / %d", rec1.Code, rec2.Code)
	}
	if rec2.Body.String() != `{"kind":"accepted"}` {
		t.Errorf("replayed body = %q", rec2.Body.String())
	}
	if rec2.Header().Get(HeaderReplayed) != "true" {
		t.Error("expected replay header on second response")
	}
	if rec2.Header().Get("X-Report") != "r-1" {
		t.Error("expected handler headers to be replayed")
	}
	if rec1.Header().Get(HeaderReplayed) != "" {
		t.Error("first response must not be marked as replayed")
	}
}

func TestMiddleware_DoesNotStoreFailures(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()
	mw := Middleware(store, zerolog.Nop())
	h, calls := counting(http.StatusUnprocessableEntity, `{"kind":"rejected"}`)

	serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-2", "{}")
	serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-2", "{}")
	if *calls != 2 {
		t.Errorf("rejected batches must be re-executed, handler called %d times", *calls)
	}
}

func TestMiddleware_HandlerErrorNotStored(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()
	failing := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "sink down")
	}

	_, err := serve(t, Middleware(store, zerolog.Nop()), failing, http.MethodPost, "/api/v1/lab-batches", "batch-3", "{}")
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if _, ok, _ := store.Get(context.Background(), "batch-3"); ok {
		t.Error("failed request must not be stored")
	}
}

func TestMiddleware_KeyReuseMismatch(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"different body", http.MethodPost, "/api/v1/lab-batches", `{"items":[1]}`},
		{"different path", http.MethodPost, "/api/v1/test-mappings", `{}`},
		{"different method", http.MethodPut, "/api/v1/lab-batches", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore(time.Hour)
			defer store.Stop()
			mw := Middleware(store, zerolog.Nop())
			h, _ := counting(http.StatusCreated, "ok")

			serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "reused", `{}`)
			_, err := serve(t, mw, h, tt.method, tt.path, "reused", tt.body)
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != http.StatusUnprocessableEntity {
				t.Errorf("expected 422, got %v", err)
			}
		})
	}
}

func TestMiddleware_LegacyHeader(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()
	h, _ := counting(http.StatusCreated, "ok")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lab-batches", strings.NewReader("{}"))
	req.Header.Set(HeaderLegacyKey, "legacy-1")
	rec := httptest.NewRecorder()
	if err := Middleware(store, zerolog.Nop())(h)(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Get(context.Background(), "legacy-1"); !ok {
		t.Error("expected legacy header key to be stored")
	}
}

func TestMiddleware_BodyStillReadable(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()

	var seen string
	h := func(c echo.Context) error {
		var payload map[string]interface{}
		if err := c.Bind(&payload); err != nil {
			return err
		}
		seen, _ = payload["patient_sex"].(string)
		return c.NoContent(http.StatusCreated)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lab-batches", strings.NewReader(`{"patient_sex":"F"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(HeaderKey, "body-1")
	rec := httptest.NewRecorder()
	if err := Middleware(store, zerolog.Nop())(h)(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if seen != "F" {
		t.Errorf("handler did not see the request body, got %q", seen)
	}
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (*Entry, bool, error) {
	return nil, false, errors.New("redis down")
}
func (brokenStore) Set(context.Context, string, *Entry) error { return errors.New("redis down") }
func (brokenStore) Delete(context.Context, string) error { return errors.New("redis down") }
func (brokenStore) Lock(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}
func (brokenStore) Unlock(context.Context, string) error { return errors.New("redis down") }
func (brokenStore) Ping(context.Context) error { return errors.New("redis down") }

func TestMiddleware_StoreFailureRunsRequest(t *testing.T) {
	h, calls := counting(http.StatusCreated, "ok")
	rec, err := serve(t, Middleware(brokenStore{}, zerolog.Nop()), h, http.MethodPost, "/api/v1/lab-batches", "k", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if *calls != 1 || rec.Code != http.StatusCreated {
		t.Errorf("expected request to run despite store failure, calls=%d code=%d", *calls, rec.Code)
	}
}

// blocking returns a handler that signals started and then waits for
// release before answering 201.
func blocking() (h echo.HandlerFunc, started, release chan struct{}, calls *int32) {
	started = make(chan struct{}, 1)
	release = make(chan struct{})
	calls = new(int32)
	h = func(c echo.Context) error {
		atomic.AddInt32(calls, 1)
		started <- struct{}{}
		<-release
		return c.String(http.StatusCreated, `{"kind":"accepted"}`)
	}
	return h, started, release, calls
}

func expectConflict(t *testing.T, err error) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestMiddleware_ConcurrentRetryIsConflict(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()
	mw := Middleware(store, zerolog.Nop())
	h, started, release, calls := blocking()

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-9", "{}")
	}()
	<-started

	_, err := serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-9", "{}")
	expectConflict(t, err)

	close(release)
	wg.Wait()
	if first.Code != http.StatusCreated {
		t.Errorf("first attempt status = %d, want 201", first.Code)
	}

	again, err := serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-9", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if again.Header().Get(HeaderReplayed) != "true" {
		t.Error("a retry after completion should replay")
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

// parkingStore holds the first lookup until released, so a second request
// can arrive between the first request's lookup and its execution.
type parkingStore struct {
	*MemoryStore
	gets    int32
	parked  chan struct{}
	release chan struct{}
}

func (s *parkingStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if atomic.AddInt32(&s.gets, 1) == 1 {
		close(s.parked)
		<-s.release
	}
	return s.MemoryStore.Get(ctx, key)
}

func TestMiddleware_RetryDuringLookupRunsOnce(t *testing.T) {
	mem := NewMemoryStore(time.Hour)
	defer mem.Stop()
	store := &parkingStore{MemoryStore: mem, parked: make(chan struct{}), release: make(chan struct{})}
	mw := Middleware(store, zerolog.Nop())

	var calls int32
	h := func(c echo.Context) error {
		atomic.AddInt32(&calls, 1)
		return c.String(http.StatusCreated, "ok")
	}

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-10", "{}")
	}()
	<-store.parked

	_, err := serve(t, mw, h, http.MethodPost, "/api/v1/lab-batches", "batch-10", "{}")
	expectConflict(t, err)

	close(store.release)
	wg.Wait()
	if firstErr != nil || first.Code != http.StatusCreated {
		t.Fatalf("first attempt: %v, status %d", firstErr, first.Code)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("same idempotency key executed the handler %d times, want 1", n)
	}
}

func TestMiddleware_ReplicasShareClaim(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Stop()
	replicaA := Middleware(store, zerolog.Nop())
	replicaB := Middleware(store, zerolog.Nop())
	h, started, release, calls := blocking()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serve(t, replicaA, h, http.MethodPost, "/api/v1/lab-batches", "batch-11", "{}")
	}()
	<-started

	_, err := serve(t, replicaB, h, http.MethodPost, "/api/v1/lab-batches", "batch-11", "{}")
	expectConflict(t, err)

	close(release)
	wg.Wait()

	rec, err := serve(t, replicaB, h, http.MethodPost, "/api/v1/lab-batches", "batch-11", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated || rec.Header().Get(HeaderReplayed) != "true" {
		t.Errorf("expected replay on the other replica, got %d", rec.Code)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Errorf("handler ran %d times across replicas, want 1", n)
	}
	if ok, _ := store.Lock(context.Background(), "batch-11"); !ok {
		t.Error("claim should be released once the request finished")
	}
}

func TestRecorder_FirstWriteHeaderWins(t *testing.T) {
	r := &recorder{ResponseWriter: httptest.NewRecorder(), body: &bytes.Buffer{}, headers: make(http.Header)}
	r.WriteHeader(http.StatusCreated)
	r.WriteHeader(http.StatusInternalServerError)
	r.Write([]byte("a"))
	r.Write([]byte("b"))

	if r.statusCode != http.StatusCreated {
		t.Errorf("statusCode = %d, want 201", r.statusCode)
	}
	if r.body.String() != "ab" {
		t.Errorf("body = %q, want ab", r.body.String())
	}
}
