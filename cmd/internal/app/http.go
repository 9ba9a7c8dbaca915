package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"

	"integops/cmd/identity"
	"integops/cmd/internal/notify"
)

// maxBroadcastChars bounds the text accepted by POST /admin/broadcast (runes).
const maxBroadcastChars = 4000

// breakerState is implemented by identity.BreakerStore.
type breakerState interface {
	State() string
}

type httpDeps struct {
	log     Logger
	cfg     Config
	dbPool  *pgxpool.Pool
	breaker breakerState

	dir     *identity.Directory
	hub     *notify.Hub
	ws      http.Handler
	metrics http.Handler
}

func registerHTTP(mux *http.ServeMux, d httpDeps) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		dbEnabled := d.dbPool != nil
		if d.cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if d.breaker != nil && d.breaker.State() == "open" {
			http.Error(w, "directory store unavailable", http.StatusServiceUnavailable)
			return
		}
		if dbEnabled {
			if err := PingDB(r.Context(), d.dbPool, 2*time.Second); err != nil {
				d.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if d.metrics != nil {
		mux.Handle("GET /metrics", d.metrics)
	}
	if d.ws != nil {
		mux.Handle("GET /ws", d.ws)
	}

	mux.Handle("POST /admin/broadcast", requireRole(d.dir, d.log, RoleAdmin, handleBroadcast(d)))
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p identity.Principal)

// requireRole authenticates HTTP Basic credentials against the directory and
// admits principals holding role.
func requireRole(dir *identity.Directory, log Logger, role string, next principalHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			unauthorized(w)
			return
		}

		p, err := dir.Authenticate(r.Context(), user, pass)
		switch {
		case err == nil:
		case identity.IsInvalidCredentials(err), identity.IsNotActive(err):
			log.Info("admin.auth.reject", "username", user, "path", r.URL.Path, "err", err)
			unauthorized(w)
			return
		default:
			log.Error("admin.auth.fail", "path", r.URL.Path, "err", err)
			writeJSONError(w, http.StatusServiceUnavailable, "directory_unavailable", "directory unavailable")
			return
		}

		if !p.Roles.HasName(role) {
			log.Info("admin.auth.forbidden", "principal_id", p.ID, "path", r.URL.Path, "required_role", role)
			writeJSONError(w, http.StatusForbidden, "forbidden", "role "+role+" required")
			return
		}
		next(w, r, p)
	})
}

type broadcastRequest struct {
	Text string `json:"text"`
}

func handleBroadcast(d httpDeps) principalHandler {
	return func(w http.ResponseWriter, r *http.Request, p identity.Principal) {
		text, status, err := readBroadcastText(w, r, d.cfg.BroadcastMaxBody)
		if err != nil {
			writeJSONError(w, status, "bad_request", err.Error())
			return
		}

		res := d.hub.Broadcast(r.Context(), text)
		d.log.Info("admin.broadcast", "principal_id", p.ID, "chars", utf8.RuneCountInString(text),
			"targeted", res.Targeted, "delivered", res.Delivered, "failed", res.Failed)
		writeJSON(w, http.StatusOK, res)
	}
}

// readBroadcastText accepts either a text/plain body or {"text": "..."}.
func readBroadcastText(w http.ResponseWriter, r *http.Request, maxBytes int64) (string, int, error) {
	if maxBytes <= 0 {
		maxBytes = 16 << 10
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return "", http.StatusRequestEntityTooLarge, errors.New("body too large")
		}
		return "", http.StatusBadRequest, errors.New("read body")
	}

	text := string(body)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		var req broadcastRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", http.StatusBadRequest, errors.New("invalid JSON")
		}
		text = req.Text
	}

	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", http.StatusBadRequest, errors.New("empty text")
	case !utf8.ValidString(text):
		return "", http.StatusBadRequest, errors.New("text must be UTF-8")
	case utf8.RuneCountInString(text) > maxBroadcastChars:
		return "", http.StatusBadRequest, errors.New("text too long")
	}
	return text, http.StatusOK, nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="integops"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", "valid credentials required")
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// directoryAuthenticator lets the websocket gateway check Basic credentials
// against the directory.
type directoryAuthenticator struct {
	dir *identity.Directory
}

func (a directoryAuthenticator) AuthenticateBasic(ctx context.Context, username, password string) (string, error) {
	p, err := a.dir.Authenticate(ctx, username, password)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}
