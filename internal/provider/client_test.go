package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"diagramsync/internal/dsync"
)

// retryRecorder collects the delays the client reports before each retry.
type retryRecorder struct {
	dsync.NopMetrics

	mu     sync.Mutex
	delays []time.Duration
}

func (r *retryRecorder) ProviderRetry(_ string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *retryRecorder) got() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// newTestGitHub starts server and points a GitHub provider at it. The retry
// backoff starts at one millisecond so tests do not wait.
func newTestGitHub(t *testing.T, handler http.HandlerFunc) (*GitHub, *retryRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rec := &retryRecorder{}
	gh := NewGitHub(Options{BaseURL: srv.URL, Backoff: time.Millisecond, Metrics: rec})
	return gh, rec
}

var testRepo = dsync.RepoRef{Owner: "octo", Name: "diagrams"}

func equalDelays(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClient_RetriesRateLimit(t *testing.T) {
	t.Run("doubles the delay until success", func(t *testing.T) {
		var calls int
		gh, rec := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls <= 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"message":"slow down"}`))
				return
			}
			w.Write([]byte(`{"default_branch":"main"}`))
		})

		info, err := gh.GetRepoInfo(context.Background(), testRepo, "tok")
		if err != nil {
			t.Fatalf("GetRepoInfo() error = %v", err)
		}
		if info.DefaultBranch != "main" {
			t.Errorf("DefaultBranch = %q, want %q", info.DefaultBranch, "main")
		}
		if calls != 4 {
			t.Errorf("requests = %d, want 4", calls)
		}
		want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
		if got := rec.got(); !equalDelays(got, want) {
			t.Errorf("delays = %v, want %v", got, want)
		}
	})

	t.Run("retry-after overrides backoff", func(t *testing.T) {
		var calls int
		gh, rec := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			switch calls {
			case 1:
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusForbidden)
			case 2:
				w.WriteHeader(http.StatusTooManyRequests)
			default:
				w.Write([]byte(`{"default_branch":"main"}`))
			}
		})

		if _, err := gh.GetRepoInfo(context.Background(), testRepo, "tok"); err != nil {
			t.Fatalf("GetRepoInfo() error = %v", err)
		}
		// The hint replaces the first delay and restarts the schedule.
		want := []time.Duration{0, time.Millisecond}
		if got := rec.got(); !equalDelays(got, want) {
			t.Errorf("delays = %v, want %v", got, want)
		}
	})

	t.Run("custom retries and backoff", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		t.Cleanup(srv.Close)
		rec := &retryRecorder{}
		gh := NewGitHub(Options{BaseURL: srv.URL, Retries: 1, Backoff: 10 * time.Millisecond, Metrics: rec})

		_, err := gh.GetRepoInfo(context.Background(), testRepo, "tok")
		if !errors.Is(err, dsync.ErrPermission) {
			t.Fatalf("GetRepoInfo() error = %v, want ErrPermission", err)
		}
		if calls != 2 {
			t.Errorf("requests = %d, want 2", calls)
		}
		want := []time.Duration{10 * time.Millisecond}
		if got := rec.got(); !equalDelays(got, want) {
			t.Errorf("delays = %v, want %v", got, want)
		}
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var calls int
		gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			cancel()
		})

		start := time.Now()
		_, err := gh.GetRepoInfo(ctx, testRepo, "tok")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("GetRepoInfo() error = %v, want context.Canceled", err)
		}
		if calls != 1 || time.Since(start) > 10*time.Second {
			t.Errorf("requests = %d after %v, want 1 and no wait", calls, time.Since(start))
		}
	})
}

func TestClient_ExhaustedRetries(t *testing.T) {
	t.Run("still rate limited", func(t *testing.T) {
		var calls int
		gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"API rate limit exceeded"}`))
		})

		_, err := gh.GetRepoInfo(context.Background(), testRepo, "tok")
		var perr *dsync.PermissionError
		if !errors.As(err, &perr) {
			t.Fatalf("GetRepoInfo() error = %v, want *PermissionError", err)
		}
		if !perr.RateLimited {
			t.Error("RateLimited = false, want true")
		}
		if perr.Attempts != 4 || calls != 4 {
			t.Errorf("Attempts = %d, requests = %d, want 4 and 4", perr.Attempts, calls)
		}
		if !strings.Contains(perr.Error(), "rate limited") {
			t.Errorf("Error() = %q, want rate limit guidance", perr.Error())
		}
	})

	t.Run("missing scope", func(t *testing.T) {
		gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Accepted-OAuth-Scopes", "repo")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"Resource not accessible by integration"}`))
		})

		_, err := gh.GetRepoInfo(context.Background(), testRepo, "tok")
		var perr *dsync.PermissionError
		if !errors.As(err, &perr) {
			t.Fatalf("GetRepoInfo() error = %v, want *PermissionError", err)
		}
		if perr.RateLimited {
			t.Error("RateLimited = true, want false")
		}
		if perr.RequiredScope != "repo" {
			t.Errorf("RequiredScope = %q, want %q", perr.RequiredScope, "repo")
		}
		if !strings.Contains(perr.Error(), `requires scope "repo"`) {
			t.Errorf("Error() = %q, want scope guidance", perr.Error())
		}
	})

	t.Run("gitlab insufficient scope body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"insufficient_scope","scope":"api"}`))
		}))
		t.Cleanup(srv.Close)
		gl := NewGitLab(Options{BaseURL: srv.URL, Backoff: time.Millisecond})

		_, err := gl.GetRepoInfo(context.Background(), testRepo, "tok")
		var perr *dsync.PermissionError
		if !errors.As(err, &perr) {
			t.Fatalf("GetRepoInfo() error = %v, want *PermissionError", err)
		}
		if perr.RequiredScope != "api" {
			t.Errorf("RequiredScope = %q, want %q", perr.RequiredScope, "api")
		}
		if perr.Message != "insufficient_scope" {
			t.Errorf("Message = %q, want %q", perr.Message, "insufficient_scope")
		}
	})
}

func TestClient_NoRetry(t *testing.T) {
	t.Run("server error fails at once", func(t *testing.T) {
		var calls int
		gh, rec := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"message":"upstream down"}`))
		})

		_, err := gh.GetRepoInfo(context.Background(), testRepo, "tok")
		var perr *dsync.ProviderError
		if !errors.As(err, &perr) {
			t.Fatalf("GetRepoInfo() error = %v, want *ProviderError", err)
		}
		if perr.StatusCode != http.StatusBadGateway || perr.Message != "upstream down" {
			t.Errorf("ProviderError = %+v, want 502 upstream down", perr)
		}
		if !perr.Transient() {
			t.Error("Transient() = false, want true for 502")
		}
		if calls != 1 || len(rec.got()) != 0 {
			t.Errorf("requests = %d, retries = %d, want 1 and 0", calls, len(rec.got()))
		}
	})

	t.Run("not found", func(t *testing.T) {
		gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
		})

		_, err := gh.GetContents(context.Background(), testRepo, "diagrams/a.mmd", "tok")
		if !errors.Is(err, dsync.ErrNotFound) {
			t.Errorf("GetContents() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("network failure propagates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := srv.URL
		srv.Close()

		rec := &retryRecorder{}
		gh := NewGitHub(Options{BaseURL: url, Metrics: rec})
		_, err := gh.GetRepoInfo(context.Background(), testRepo, "tok")
		if err == nil {
			t.Fatal("GetRepoInfo() expected error")
		}
		var perr *dsync.ProviderError
		if errors.As(err, &perr) {
			t.Errorf("GetRepoInfo() error = %v, want a transport error", err)
		}
		if len(rec.got()) != 0 {
			t.Errorf("retries = %d, want 0", len(rec.got()))
		}
	})
}

func TestClient_Headers(t *testing.T) {
	var got http.Header
	var path string
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		w.Write([]byte(`{"default_branch":"main"}`))
	})

	if _, err := gh.GetRepoInfo(context.Background(), testRepo, "s3cret"); err != nil {
		t.Fatalf("GetRepoInfo() error = %v", err)
	}
	if v := got.Get("Authorization"); v != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want %q", v, "Bearer s3cret")
	}
	if v := got.Get("Accept"); v != "application/vnd.github.v3+json" {
		t.Errorf("Accept = %q, want %q", v, "application/vnd.github.v3+json")
	}
	if path != "/api/v3/repos/octo/diagrams" {
		t.Errorf("path = %q, want enterprise suffix %q", path, "/api/v3/repos/octo/diagrams")
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
		ok     bool
	}{
		{name: "absent", header: http.Header{}},
		{name: "seconds", header: http.Header{"Retry-After": {"3"}}, want: 3 * time.Second, ok: true},
		{name: "zero", header: http.Header{"Retry-After": {"0"}}, ok: true},
		{name: "past date", header: http.Header{"Retry-After": {"Mon, 02 Jan 2006 15:04:05 GMT"}}, ok: true},
		{name: "garbage", header: http.Header{"Retry-After": {"soon"}}},
		{name: "negative", header: http.Header{"Retry-After": {"-4"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := retryAfter(tt.header)
			if got != tt.want || ok != tt.ok {
				t.Errorf("retryAfter() = %v, %v, want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestClient_BackOff(t *testing.T) {
	c := newClient(Options{}, gitHubAPI, gitHubSuffix, gitHubAccept)
	b := c.backOff()
	b.Reset()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("NextBackOff() #%d = %v, want %v", i+1, got, w)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{body: `{"message":"Bad credentials"}`, want: "Bad credentials"},
		{body: `{"error_description":"token expired","error":"invalid_token"}`, want: "token expired"},
		{body: `{"error":"insufficient_scope"}`, want: "insufficient_scope"},
		{body: "  plain text  ", want: "plain text"},
	}
	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
