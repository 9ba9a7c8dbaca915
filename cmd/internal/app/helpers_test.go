package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"integops/cmd/identity"
	"integops/cmd/internal/notify"
	"integops/cmd/security/password"
)

const (
	adminPassword = "admin-pass-123"
	userPassword  = "user-pass-123"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cheapHasher() *identity.Argon2idHasher {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return identity.NewArgon2idHasher(cfg)
}

// recorder collects every text it is sent.
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

type stubBreaker string

func (s stubBreaker) State() string { return string(s) }

type testServer struct {
	store   *identity.InMemoryStore
	dir     *identity.Directory
	hub     *notify.Hub
	handler http.Handler
	adminID string
}

// newTestServer wires the HTTP routes over an in-memory directory holding an
// "admin" (USER, ADMIN) and an "alice" (USER) principal.
func newTestServer(t *testing.T, cfg Config, breaker breakerState) *testServer {
	t.Helper()

	ctx := context.Background()
	log := discardLogger()

	store := identity.NewInMemoryStore()
	dir, err := identity.NewDirectory(store, cheapHasher(), identity.WithLogger(log))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	roles, err := store.EnsureRoles(ctx, RoleUser, RoleAdmin)
	if err != nil {
		t.Fatalf("EnsureRoles: %v", err)
	}
	admin, err := dir.Create(ctx, identity.Principal{Username: "admin", Password: adminPassword}, roles...)
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if _, err := dir.Create(ctx, identity.Principal{Username: "alice", Password: userPassword}, roles[0]); err != nil {
		t.Fatalf("create alice: %v", err)
	}

	hub := notify.NewHub(log)
	t.Cleanup(hub.Close)

	deps := httpDeps{log: log, cfg: cfg, dir: dir, hub: hub}
	if breaker != nil {
		deps.breaker = breaker
	}
	mux := http.NewServeMux()
	registerHTTP(mux, deps)

	return &testServer{store: store, dir: dir, hub: hub, handler: mux, adminID: admin.ID}
}

func (s *testServer) do(t *testing.T, method, path, body, contentType string, auth func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth != nil {
		auth(req)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func basicAuth(user, pass string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(user, pass) }
}

var errSend = errors.New("send failed")
