package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splax/teamup/pkg/notify"
	"github.com/splax/teamup/pkg/session"
)

func newTestClient(t *testing.T, baseURL string, store *session.MemoryStore, opts ...Option) (*Client, *notify.Board) {
	t.Helper()
	board := notify.NewBoard(nil)
	all := append([]Option{
		WithSession(session.New(store)),
		WithNotifier(board),
	}, opts...)
	cli, err := New(baseURL, all...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli, board
}

func loggedInStore(t *testing.T, access, refresh string) *session.MemoryStore {
	t.Helper()
	store := session.NewMemoryStore()
	if err := store.Save(context.Background(), session.Tokens{Access: access, Refresh: refresh}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return store
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestBuildURLJoinsWithSingleSlash(t *testing.T) {
	bases := []string{"https://api.example.com/api", "https://api.example.com/api/", "https://api.example.com/api///"}
	endpoints := []string{"me/", "/me/", "///me/", "projects/1/roles/", "", "/"}
	for _, base := range bases {
		cli, err := New(base)
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		for _, endpoint := range endpoints {
			got := cli.BuildURL(endpoint)
			rest := strings.TrimPrefix(got, "https://api.example.com/api")
			if !strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, "//") {
				t.Fatalf("BuildURL(%q) with base %q = %q: want exactly one slash at the join", endpoint, base, got)
			}
			if want := "https://api.example.com/api/" + strings.TrimLeft(endpoint, "/"); got != want {
				t.Fatalf("BuildURL(%q) = %q, want %q", endpoint, got, want)
			}
		}
	}
}

func TestNewDefaultsAndScheme(t *testing.T) {
	cli, err := New("")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.BaseURL() != DefaultBaseURL {
		t.Fatalf("unexpected default base %q", cli.BaseURL())
	}
	cli, err = New("collab.example.com/api/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.BaseURL() != "http://collab.example.com/api" {
		t.Fatalf("unexpected base %q", cli.BaseURL())
	}
}

func TestDoWithoutTokenNeverReachesNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	store := session.NewMemoryStore()
	cli, board := newTestClient(t, srv.URL, store)
	cli.Session().SetUsername("ghost")
	var loggedOut bool
	cli.Session().OnLogout(func() { loggedOut = true })

	_, err := cli.Do(context.Background(), http.MethodGet, "me/", nil, true, nil)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no network calls, got %d", hits)
	}
	if !loggedOut || cli.Session().Username() != "" {
		t.Fatalf("expected session teardown")
	}
	if board.LastError() != MsgAuthRequired {
		t.Fatalf("unexpected error message %q", board.LastError())
	}
}

func TestDoSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer access-1" {
			t.Errorf("unexpected authorization %q", auth)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("expected request id header")
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["skills"] != "go" {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]string{"username": "alice"})
	}))
	defer srv.Close()

	cli, _ := newTestClient(t, srv.URL, loggedInStore(t, "access-1", "refresh-1"))
	var out User
	res, err := cli.Do(context.Background(), http.MethodPatch, "/me/", map[string]string{"skills": "go"}, true, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.Username != "alice" || len(res.JSON) == 0 {
		t.Fatalf("unexpected result %+v / %+v", out, res)
	}
}

func TestDoOmitsAuthorizationWhenNotRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("unexpected authorization %q", auth)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cli, _ := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	if _, err := cli.Do(context.Background(), http.MethodPost, "register/", map[string]string{}, false, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
}

func TestDoRefreshesOnceAndRetries(t *testing.T) {
	var meCalls, refreshCalls int32
	var mu sync.Mutex
	var retryAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/token/refresh/":
			atomic.AddInt32(&refreshCalls, 1)
			if r.Header.Get("Authorization") != "" {
				t.Errorf("refresh must not carry a bearer token")
			}
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["refresh"] != "refresh-1" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"access": "access-2"})
		case "/api/me/":
			n := atomic.AddInt32(&meCalls, 1)
			if r.Header.Get("Authorization") != "Bearer access-2" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid"})
				return
			}
			if n == 2 {
				mu.Lock()
				retryAuth = r.Header.Get("Authorization")
				mu.Unlock()
			}
			writeJSON(w, http.StatusOK, map[string]string{"username": "alice"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	store := loggedInStore(t, "access-1", "refresh-1")
	cli, board := newTestClient(t, srv.URL+"/api", store)

	var user User
	if _, err := cli.Do(context.Background(), http.MethodGet, "me/", nil, true, &user); err != nil {
		t.Fatalf("do: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("unexpected user %+v", user)
	}
	if atomic.LoadInt32(&meCalls) != 2 || atomic.LoadInt32(&refreshCalls) != 1 {
		t.Fatalf("expected 2 me calls and 1 refresh, got %d and %d", meCalls, refreshCalls)
	}
	mu.Lock()
	defer mu.Unlock()
	if retryAuth != "Bearer access-2" {
		t.Fatalf("retry used %q", retryAuth)
	}
	tokens, _ := store.Load(context.Background())
	if tokens.Access != "access-2" || tokens.Refresh != "refresh-1" {
		t.Fatalf("unexpected persisted tokens %+v", tokens)
	}
	if board.LastError() != "" {
		t.Fatalf("transparent refresh should not show an error, got %q", board.LastError())
	}
}

func TestDoSecond401IsFinal(t *testing.T) {
	var meCalls, refreshCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			atomic.AddInt32(&refreshCalls, 1)
			writeJSON(w, http.StatusOK, map[string]string{"access": "access-2"})
			return
		}
		atomic.AddInt32(&meCalls, 1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "User is inactive"})
	}))
	defer srv.Close()

	cli, board := newTestClient(t, srv.URL, loggedInStore(t, "access-1", "refresh-1"))
	_, err := cli.Do(context.Background(), http.MethodGet, "me/", nil, true, nil)
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "User is inactive" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if meCalls != 2 || refreshCalls != 1 {
		t.Fatalf("expected exactly one retry, got %d calls and %d refreshes", meCalls, refreshCalls)
	}
	if board.LastError() != "API Request Failed: User is inactive" {
		t.Fatalf("unexpected message %q", board.LastError())
	}
}

func TestDoWithoutRefreshTokenExpiresSession(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := session.NewMemoryStore()
	_ = store.Save(context.Background(), session.Tokens{Access: "stale"})
	cli, board := newTestClient(t, srv.URL, store)

	_, err := cli.Do(context.Background(), http.MethodGet, "my-applications/", nil, true, nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single request and no retry, got %d", calls)
	}
	if store.Has(session.KeyAccessToken) || store.Has(session.KeyRefreshToken) {
		t.Fatalf("expected tokens cleared")
	}
	if board.LastError() != MsgSessionExpired {
		t.Fatalf("unexpected message %q", board.LastError())
	}
}

func TestDoRefreshRejectedExpiresSession(t *testing.T) {
	var meCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is blacklisted"})
			return
		}
		atomic.AddInt32(&meCalls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := loggedInStore(t, "bad-access", "bad-refresh")
	cli, board := newTestClient(t, srv.URL, store)

	_, err := cli.Do(context.Background(), http.MethodGet, "me/", nil, true, nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if meCalls != 1 {
		t.Fatalf("expected zero retries, got %d calls", meCalls)
	}
	if store.Has(session.KeyAccessToken) || store.Has(session.KeyRefreshToken) {
		t.Fatalf("expected tokens cleared")
	}
	if board.LastError() != MsgSessionExpired {
		t.Fatalf("unexpected message %q", board.LastError())
	}
}

func TestDoRefreshUnreachableExpiresSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := loggedInStore(t, "a", "r")
	transport := &failingTransport{base: http.DefaultTransport, failPath: "/token/refresh/"}
	cli, _ := newTestClient(t, srv.URL, store, WithHTTPClient(&http.Client{Transport: transport}))

	_, err := cli.Do(context.Background(), http.MethodDelete, "projects/1/", nil, true, nil)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if store.Has(session.KeyAccessToken) {
		t.Fatalf("expected teardown")
	}
}

type failingTransport struct {
	base     http.RoundTripper
	failPath string
}

func (c *failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.URL.Path == c.failPath {
		return nil, errors.New("connection refused")
	}
	return c.base.RoundTrip(r)
}

func TestDoNoContentIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNoContent)
		_, _ = w.Write([]byte(`{"ignored":true}`))
	}))
	defer srv.Close()

	cli, _ := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	out := map[string]any{}
	res, err := cli.Do(context.Background(), http.MethodDelete, "projects/1/", nil, true, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !res.Empty || res.JSON != nil || res.Text != "" || len(out) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestDoTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	cli, _ := newTestClient(t, srv.URL, session.NewMemoryStore())
	res, err := cli.Do(context.Background(), http.MethodGet, "ping/", nil, false, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if res.Text != "pong" || res.JSON != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDoErrorMessages(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		contentType string
		body        string
		want        string
	}{
		{"detail", http.StatusNotFound, "application/json", `{"detail":"X"}`, "X"},
		{"error field", http.StatusBadRequest, "application/json", `{"error":"Y"}`, "Y"},
		{"detail wins", http.StatusBadRequest, "application/json", `{"error":"Y","detail":"X"}`, "X"},
		{"no known field", http.StatusBadRequest, "application/json", `{"username":["taken"]}`, "Request failed: Bad Request"},
		{"non json", http.StatusBadGateway, "text/html", `<html>oops</html>`, "HTTP Error: 502 Bad Gateway"},
		{"empty body", http.StatusInternalServerError, "", ``, "HTTP Error: 500 Internal Server Error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.contentType != "" {
					w.Header().Set("Content-Type", tc.contentType)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			cli, board := newTestClient(t, srv.URL, session.NewMemoryStore())
			_, err := cli.Do(context.Background(), http.MethodGet, "projects/", nil, false, nil)
			var apiErr APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Message != tc.want || apiErr.Status != tc.status {
				t.Fatalf("got %+v, want message %q", apiErr, tc.want)
			}
			if board.LastError() != "API Request Failed: "+tc.want {
				t.Fatalf("unexpected display %q", board.LastError())
			}
		})
	}
}

type countingNotifier struct {
	notify.Board
	errors int
}

func (c *countingNotifier) Error(msg string) {
	c.errors++
	c.Board.Error(msg)
}

func TestDoSuppressesDuplicateMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Only the leader can do that."})
	}))
	defer srv.Close()

	n := &countingNotifier{}
	cli, err := New(srv.URL, WithNotifier(n))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := cli.Do(context.Background(), http.MethodPost, "projects/1/roles/", nil, false, nil); err == nil {
			t.Fatal("expected error")
		}
	}
	if n.errors != 1 {
		t.Fatalf("expected message shown once, shown %d times", n.errors)
	}
}

func TestDoTransportErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	cli, board := newTestClient(t, addr, session.NewMemoryStore())
	_, err := cli.Do(context.Background(), http.MethodGet, "projects/", nil, false, nil)
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Fatalf("expected *url.Error, got %T %v", err, err)
	}
	if !strings.HasPrefix(board.LastError(), "API Request Failed: ") {
		t.Fatalf("unexpected display %q", board.LastError())
	}
}

func TestDoRejectsUnsupportedMethod(t *testing.T) {
	cli, _ := newTestClient(t, "http://127.0.0.1:1", session.NewMemoryStore())
	if _, err := cli.Do(context.Background(), http.MethodPut, "me/", nil, false, nil); err == nil {
		t.Fatal("expected error for PUT")
	}
}

func TestDoInvalidJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	cli, _ := newTestClient(t, srv.URL, session.NewMemoryStore())
	if _, err := cli.Do(context.Background(), http.MethodGet, "projects/", nil, false, nil); err == nil {
		t.Fatal("expected decode error")
	}
}

// concurrentRefreshServer answers /me/ with 401 for the stale token and holds the refresh
// response until both stale requests have been rejected.
func concurrentRefreshServer(t *testing.T, refreshCalls *int32) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	rejected := 0
	bothRejected := make(chan struct{})
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			atomic.AddInt32(refreshCalls, 1)
			select {
			case <-bothRejected:
			case <-time.After(2 * time.Second):
			}
			time.Sleep(50 * time.Millisecond)
			writeJSON(w, http.StatusOK, map[string]string{"access": "fresh"})
			return
		}
		if r.Header.Get("Authorization") == "Bearer fresh" {
			writeJSON(w, http.StatusOK, []Project{})
			return
		}
		mu.Lock()
		rejected++
		if rejected == 2 {
			close(bothRejected)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
}

func runConcurrent(t *testing.T, cli *Client) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cli.Do(context.Background(), http.MethodGet, "projects/", nil, true, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent request failed: %v", err)
		}
	}
}

func TestConcurrentRefreshesAreCoalesced(t *testing.T) {
	var refreshCalls int32
	srv := concurrentRefreshServer(t, &refreshCalls)
	defer srv.Close()

	cli, _ := newTestClient(t, srv.URL, loggedInStore(t, "stale", "refresh"))
	runConcurrent(t, cli)
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Fatalf("expected one shared refresh, got %d", got)
	}
}

func TestConcurrentRefreshesWithoutCoalescing(t *testing.T) {
	var refreshCalls int32
	srv := concurrentRefreshServer(t, &refreshCalls)
	defer srv.Close()

	cli, _ := newTestClient(t, srv.URL, loggedInStore(t, "stale", "refresh"), WithRefreshCoalescing(false))
	runConcurrent(t, cli)
	if got := atomic.LoadInt32(&refreshCalls); got != 2 {
		t.Fatalf("expected independent refreshes, got %d", got)
	}
}

func TestMetricsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			writeJSON(w, http.StatusOK, map[string]string{"access": "new"})
			return
		}
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	cli, _ := newTestClient(t, srv.URL, loggedInStore(t, "old", "r"), WithMetrics(reg))
	if _, err := cli.Do(context.Background(), http.MethodDelete, "projects/9/", nil, true, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got := testutil.ToFloat64(cli.metrics.refreshTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected one successful refresh, got %v", got)
	}
	if got := testutil.ToFloat64(cli.metrics.requestTotal.WithLabelValues(http.MethodDelete, "401")); got != 1 {
		t.Fatalf("expected one 401, got %v", got)
	}
	if got := testutil.ToFloat64(cli.metrics.requestTotal.WithLabelValues(http.MethodDelete, "204")); got != 1 {
		t.Fatalf("expected one 204, got %v", got)
	}

	again, _ := newTestClient(t, srv.URL, session.NewMemoryStore(), WithMetrics(reg))
	if again.metrics.requestTotal != cli.metrics.requestTotal {
		t.Fatalf("expected collectors to be shared on re-registration")
	}
}

func TestConcurrentSessionExpiryShownOnce(t *testing.T) {
	const callers = 3
	var mu sync.Mutex
	rejected := 0
	allRejected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			select {
			case <-allRejected:
			case <-time.After(2 * time.Second):
			}
			time.Sleep(50 * time.Millisecond)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is blacklisted"})
			return
		}
		mu.Lock()
		rejected++
		if rejected == callers {
			close(allRejected)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var out bytes.Buffer
	board := notify.NewBoard(&out)
	store := loggedInStore(t, "stale", "revoked")
	cli, err := New(srv.URL, WithSession(session.New(store)), WithNotifier(board))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var logouts int32
	cli.Session().OnLogout(func() { atomic.AddInt32(&logouts, 1) })

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cli.Do(context.Background(), http.MethodGet, "me/", nil, true, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("expected ErrSessionExpired, got %v", err)
		}
	}
	if got := strings.Count(out.String(), MsgSessionExpired); got != 1 {
		t.Fatalf("expected the expiry message once, written %d times:\n%s", got, out.String())
	}
	if got := atomic.LoadInt32(&logouts); got != 1 {
		t.Fatalf("expected one teardown, got %d", got)
	}
	if store.Has(session.KeyAccessToken) || store.Has(session.KeyRefreshToken) {
		t.Fatalf("expected tokens cleared")
	}
}

// slowRefreshServer rejects the stale token and answers the refresh after delay. rejected
// is closed once two stale requests have been seen.
func slowRefreshServer(t *testing.T, delay time.Duration, rejected chan struct{}) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	count := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/refresh/" {
			time.Sleep(delay)
			writeJSON(w, http.StatusOK, map[string]string{"access": "fresh"})
			return
		}
		if r.Header.Get("Authorization") == "Bearer fresh" {
			writeJSON(w, http.StatusOK, map[string]string{"username": "alice"})
			return
		}
		mu.Lock()
		count++
		if count == 2 {
			close(rejected)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
}

func TestCancelledCallerDoesNotEndSharedRefresh(t *testing.T) {
	rejected := make(chan struct{})
	srv := slowRefreshServer(t, 200*time.Millisecond, rejected)
	defer srv.Close()

	store := loggedInStore(t, "stale", "refresh-1")
	cli, board := newTestClient(t, srv.URL, store)

	cancelled, cancel := context.WithCancel(context.Background())
	defer cancel()
	var errCancelled, errHealthy error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errCancelled = cli.Do(cancelled, http.MethodGet, "me/", nil, true, nil)
	}()
	go func() {
		defer wg.Done()
		_, errHealthy = cli.Do(context.Background(), http.MethodGet, "me/", nil, true, nil)
	}()
	select {
	case <-rejected:
	case <-time.After(2 * time.Second):
		t.Fatal("requests never reached the server")
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	if !errors.Is(errCancelled, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", errCancelled)
	}
	if errHealthy != nil {
		t.Fatalf("request sharing the refresh failed: %v", errHealthy)
	}
	tokens, _ := store.Load(context.Background())
	if tokens.Access != "fresh" || tokens.Refresh != "refresh-1" {
		t.Fatalf("unexpected persisted tokens %+v", tokens)
	}
	if board.LastError() == MsgSessionExpired {
		t.Fatalf("cancellation must not end the session")
	}
}

func TestCancelledRefreshKeepsSession(t *testing.T) {
	rejected := make(chan struct{})
	srv := slowRefreshServer(t, 200*time.Millisecond, rejected)
	defer srv.Close()

	store := loggedInStore(t, "stale", "refresh-1")
	cli, _ := newTestClient(t, srv.URL, store, WithRefreshCoalescing(false))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := cli.Do(ctx, http.MethodGet, "me/", nil, true, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatalf("timeout reported as session expiry")
	}
	tokens, _ := store.Load(context.Background())
	if tokens.Access != "stale" || tokens.Refresh != "refresh-1" {
		t.Fatalf("expected tokens kept, got %+v", tokens)
	}
}
