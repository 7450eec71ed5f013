package emr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticToken is a test TokenSource that returns a fixed token.
type staticToken string

func (t staticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// failingToken is a test TokenSource that always returns an error.
type failingToken struct{}

func (failingToken) Token(_ context.Context) (string, error) {
	return "", errors.New("token error")
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps for fast tests.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c := NewClient(url, http.DefaultClient, staticToken("test-token"), nil)
	c.sleepFunc = noopSleep

	return c
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Do(context.Background(), http.MethodGet, "/encounters", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"value":"ok"}`, string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_UserAgentOverride(t *testing.T) {
	var agents []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents = append(agents, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	resp, err := client.Do(context.Background(), http.MethodGet, "/encounters", nil)
	require.NoError(t, err)
	resp.Body.Close()

	client.SetUserAgent("clinichub-edge/2.1")
	client.SetUserAgent("") // empty override is ignored

	resp, err = client.Do(context.Background(), http.MethodGet, "/encounters", nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, agents, 2)
	assert.Equal(t, defaultUserAgent, agents[0])
	assert.Equal(t, "clinichub-edge/2.1", agents[1])
}

func TestDo_TokenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("server should not be reached when the token source fails")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, http.DefaultClient, failingToken{}, nil)
	c.sleepFunc = noopSleep

	// Token errors look like network errors and are retried, then fail.
	_, err := c.Do(context.Background(), http.MethodGet, "/encounters", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token error")
}

func TestDo_RetriesServerError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Do(context.Background(), http.MethodGet, "/encounters", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/encounters", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestDo_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/encounters/missing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_RetryAfterHonored(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var slept time.Duration

	client := newTestClient(t, srv.URL)
	client.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	resp, err := client.Do(context.Background(), http.MethodGet, "/encounters", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 7*time.Second, slept)
}

func TestDo_ErrorCarriesRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Request-Id", "req-42")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"practitioner not permitted"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/encounters", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "req-42", apiErr.RequestID)
	assert.Contains(t, apiErr.Message, "not permitted")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDo_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())

	client := newTestClient(t, srv.URL)
	client.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := client.Do(ctx, http.MethodGet, "/encounters", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_RetriedPostResendsFullBody(t *testing.T) {
	var (
		calls  atomic.Int32
		bodies []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.PostComposition(context.Background(), Composition{
		FileID:     "file-1",
		PatientID:  "pat-1",
		Findings:   "fracture",
		Confidence: "0.93",
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	// The retried attempt must carry the same payload as the first, not
	// the empty remainder of an already-consumed reader.
	require.Len(t, bodies, 2)
	require.NotEmpty(t, bodies[1])
	assert.JSONEq(t, bodies[0], bodies[1])
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttled", &APIError{StatusCode: 429, Err: ErrThrottled}, true},
		{"server error", &APIError{StatusCode: 500, Err: ErrServerError}, true},
		{"not found is propagation delay", &APIError{StatusCode: 404, Err: ErrNotFound}, true},
		{"forbidden", &APIError{StatusCode: 403, Err: ErrForbidden}, false},
		{"bad request", &APIError{StatusCode: 400, Err: ErrBadRequest}, false},
		{"network error", errors.New("dial tcp: connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestListActiveEncounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/encounters", r.URL.Path)
		assert.Equal(t, "in-progress", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"value":[
			{"id":"enc-1","patientId":"pat-1","practitioner":{"id":"dr-1"},"status":"in-progress"},
			{"id":"enc-2","patientId":"pat-2","practitioner":{"id":"dr-2"},"status":"in-progress"}
		]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	encounters, err := client.ListActiveEncounters(context.Background())
	require.NoError(t, err)
	require.Len(t, encounters, 2)
	assert.Equal(t, Encounter{ID: "enc-1", PatientID: "pat-1", PractitionerID: "dr-1", Status: "in-progress"}, encounters[0])
}

func TestListDocuments_CategoryFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/encounters/enc-1/documents", r.URL.Path)
		assert.Equal(t, "imaging", r.URL.Query().Get("category"))
		_, _ = w.Write([]byte(`{"value":[
			{"id":"file-1","encounterId":"enc-1","patientId":"pat-1","category":"imaging","contentUrl":"https://example.test/f/1"}
		]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	docs, err := client.ListDocuments(context.Background(), "enc-1", "imaging")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "file-1", docs[0].FileID)
	assert.Equal(t, "imaging", docs[0].Category)
}

func TestPostComposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/patients/pat-1/compositions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"fileId":"file-1","patientId":"pat-1","findings":"fracture","confidence":"0.93"}`, string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.PostComposition(context.Background(), Composition{
		FileID:     "file-1",
		PatientID:  "pat-1",
		Findings:   "fracture",
		Confidence: "0.93",
	})
	require.NoError(t, err)
}
