package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cexll/tracksync/internal/config"
	"github.com/cexll/tracksync/internal/tracking"
	"github.com/cexll/tracksync/internal/web"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "GITHUB_APP_ID", "GITHUB_PRIVATE_KEY", "GITHUB_API_URL",
		"JIRA_URL", "JIRA_USERNAME", "JIRA_API_TOKEN", "CONFIG_PATH",
		"MONITOR_INTERVAL_SECONDS", "MONITOR_TICK_SECONDS", "MONITOR_WORKERS", "CALL_TIMEOUT_SECONDS",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("GITHUB_TOKEN", "test-token")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "secret")
	t.Chdir(t.TempDir())

	prev := loadDotEnv
	loadDotEnv = func(...string) error { return nil }
	t.Cleanup(func() { loadDotEnv = prev })
}

func captureServe(addr *string, handler *http.Handler) serveFunc {
	return func(_ context.Context, a string, h http.Handler) error {
		*addr = a
		*handler = h
		return nil
	}
}

func serveRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestRun_StartsServerWithValidConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "4321")

	var addr string
	var handler http.Handler
	if err := run(context.Background(), nil, captureServe(&addr, &handler)); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}

	if addr != ":4321" {
		t.Fatalf("serve addr = %q, want :4321", addr)
	}
	if handler == nil {
		t.Fatal("serve handler is nil")
	}

	if rec := serveRequest(handler, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want 200", rec.Code)
	}

	rec := serveRequest(handler, http.MethodPost, "/tracked", `{"repo":"owner/repo","number":1,"issue_key":"PROJ-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /tracked status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = serveRequest(handler, http.MethodGet, "/tracked", "")
	if !strings.Contains(rec.Body.String(), "owner/repo#1") {
		t.Fatalf("GET /tracked body = %s", rec.Body.String())
	}
	rec = serveRequest(handler, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "owner/repo#1") {
		t.Fatalf("GET / status = %d, body %s", rec.Code, rec.Body.String())
	}

	// unsigned deliveries are rejected, which proves the route is mounted
	if rec := serveRequest(handler, http.MethodPost, "/webhook", "{}"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/webhook status = %d, want 401", rec.Code)
	}
}

func TestRun_FlagsOverrideEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "4321")

	var addr string
	var handler http.Handler
	args := []string{"--port", "9999", "--interval", "30s", "--tick", "5s"}
	if err := run(context.Background(), args, captureServe(&addr, &handler)); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
	if addr != ":9999" {
		t.Fatalf("serve addr = %q, want :9999", addr)
	}
}

func TestRun_WebhookDisabledWithoutSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GITHUB_WEBHOOK_SECRET", "")

	var addr string
	var handler http.Handler
	if err := run(context.Background(), nil, captureServe(&addr, &handler)); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
	if rec := serveRequest(handler, http.MethodPost, "/webhook", "{}"); rec.Code != http.StatusNotFound {
		t.Fatalf("/webhook status = %d, want 404", rec.Code)
	}
}

func TestRun_StoryIntakeNeedsJira(t *testing.T) {
	setRequiredEnv(t)

	var addr string
	var handler http.Handler
	if err := run(context.Background(), nil, captureServe(&addr, &handler)); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
	if rec := serveRequest(handler, http.MethodPost, "/stories", `{}`); rec.Code != http.StatusNotFound {
		t.Fatalf("/stories without jira: status = %d, want 404", rec.Code)
	}

	t.Setenv("JIRA_URL", "https://jira.example.com")
	if err := run(context.Background(), nil, captureServe(&addr, &handler)); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
	rec := serveRequest(handler, http.MethodPost, "/stories", `{"issue_key":"not a key","repo":"owner/repo"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("/stories with jira: status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}
}

func TestRun_ReturnsErrorWhenServeFails(t *testing.T) {
	setRequiredEnv(t)

	expected := errors.New("listen failed")
	err := run(context.Background(), nil, func(context.Context, string, http.Handler) error {
		return expected
	})
	if !errors.Is(err, expected) {
		t.Fatalf("run() error = %v, want to wrap %v", err, expected)
	}
}

func TestRun_ConfigurationErrors(t *testing.T) {
	t.Run("missing credentials", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("GITHUB_TOKEN", "")

		err := run(context.Background(), nil, func(context.Context, string, http.Handler) error {
			t.Fatal("serve should not be called when configuration fails")
			return nil
		})
		if err == nil || !strings.Contains(err.Error(), "failed to load configuration") {
			t.Fatalf("run() error = %v, want configuration failure", err)
		}
	})

	t.Run("injected loader failure", func(t *testing.T) {
		setRequiredEnv(t)
		prev := loadConfig
		loadConfig = func(string) (*config.Config, error) { return nil, errors.New("inject failure") }
		t.Cleanup(func() { loadConfig = prev })

		if err := run(context.Background(), nil, nil); err == nil || !strings.Contains(err.Error(), "inject failure") {
			t.Fatalf("run() error = %v, want injected failure", err)
		}
	})

	t.Run("web handler failure", func(t *testing.T) {
		setRequiredEnv(t)
		prev := newWebHandler
		newWebHandler = func(*tracking.Store) (*web.Handler, error) { return nil, errors.New("inject failure") }
		t.Cleanup(func() { newWebHandler = prev })

		err := run(context.Background(), nil, nil)
		if err == nil || !strings.Contains(err.Error(), "failed to initialize web handler") {
			t.Fatalf("run() error = %v, want web handler failure", err)
		}
	})

	t.Run("unknown flag", func(t *testing.T) {
		setRequiredEnv(t)
		if err := run(context.Background(), []string{"--nope"}, nil); err == nil {
			t.Fatal("run() error = nil, want flag error")
		}
	})
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listenAndServe() error = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listenAndServe did not return after cancel")
	}
}
