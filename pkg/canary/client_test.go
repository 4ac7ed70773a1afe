package canary

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	tokens      []string
	idx         int
	invalidated int
	activity    int
}

func (f *fakeSession) GetToken(context.Context) (string, error) {
	i := f.idx
	if i >= len(f.tokens) {
		i = len(f.tokens) - 1
	}
	return f.tokens[i], nil
}

func (f *fakeSession) Invalidate() {
	f.invalidated++
	f.idx++
}

func (f *fakeSession) MarkActivity()          { f.activity++ }
func (f *fakeSession) Revoke(context.Context) {}

func testConfig() Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", nil)
	cfg.BaseURL = "http://canary.invalid"
	cfg.APIToken = "api-token"
	return cfg
}

func newTestClient(t *testing.T, cfg Config, session TokenSource, deadLetter DeadLetterFunc) (*Client, *[]time.Duration) {
	t.Helper()
	client, err := NewClient(cfg, session, nil, deadLetter, nil, nil)
	require.NoError(t, err)

	var sleeps []time.Duration
	client.sleep = func(_ context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return true
	}
	client.retry.randFn = func() float64 { return 1 }
	return client, &sleeps
}

func TestDispatchSendsBatch(t *testing.T) {
	session := &fakeSession{tokens: []string{"tok"}}
	client, _ := newTestClient(t, testConfig(), session, nil)

	var batches [][]*Diff
	client.sender = func(_ context.Context, batch []*Diff) error {
		batches = append(batches, batch)
		return nil
	}

	require.NoError(t, client.Enqueue(map[string]interface{}{
		"uns_path": "G/E/D/temp",
		"changes":  map[string]interface{}{"engUnit": "degC"},
	}))
	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/pressure", Properties: map[string]interface{}{"engUnit": "kPa"}}))

	require.True(t, client.DrainOnce(context.Background()))
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.Equal(t, "G/E/D/temp", batches[0][0].UNSPath)
	require.Equal(t, 1, session.activity)
	require.Zero(t, client.QueueLen())
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	session := &fakeSession{tokens: []string{"tok"}}
	var dead []*Diff
	client, sleeps := newTestClient(t, testConfig(), session, func(diff *Diff, _ error) {
		dead = append(dead, diff)
	})

	calls := 0
	client.sender = func(context.Context, []*Diff) error {
		calls++
		if calls <= 2 {
			return &StatusError{StatusCode: 503, Body: "unavailable"}
		}
		return nil
	}

	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/m", Properties: map[string]interface{}{"a": 1}}))
	require.True(t, client.DrainOnce(context.Background()))

	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *sleeps)
	require.Empty(t, dead)
	require.Equal(t, 1, session.activity)
}

func TestDispatchPermanentFailureDeadLetters(t *testing.T) {
	session := &fakeSession{tokens: []string{"tok"}}
	var dead []*Diff
	client, sleeps := newTestClient(t, testConfig(), session, func(diff *Diff, _ error) {
		dead = append(dead, diff)
	})

	calls := 0
	client.sender = func(context.Context, []*Diff) error {
		calls++
		return &StatusError{StatusCode: 400, Body: "malformed request"}
	}

	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/a", Properties: map[string]interface{}{"x": 1}}))
	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/b", Properties: map[string]interface{}{"x": 2}}))
	require.True(t, client.DrainOnce(context.Background()))

	require.Equal(t, 1, calls)
	require.Empty(t, *sleeps)
	require.Len(t, dead, 2)
	require.Zero(t, session.activity)
}

func TestDispatchExhaustsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 1
	var dead []*Diff
	client, _ := newTestClient(t, cfg, &fakeSession{tokens: []string{"tok"}}, func(diff *Diff, _ error) {
		dead = append(dead, diff)
	})

	calls := 0
	client.sender = func(context.Context, []*Diff) error {
		calls++
		return &StatusError{StatusCode: 503, Body: "unavailable"}
	}

	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/m", Properties: map[string]interface{}{"a": 1}}))
	require.True(t, client.DrainOnce(context.Background()))

	require.Equal(t, 2, calls)
	require.Len(t, dead, 1)
}

func TestSessionReacquiredAfterRejection(t *testing.T) {
	var seenTokens []string
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			SessionToken string `json:"sessionToken"`
		}
		require.NoError(t, stdjson.Unmarshal(body, &payload))
		seenTokens = append(seenTokens, payload.SessionToken)

		if requests == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"message": "BadSessionToken"}`)
			return
		}
		io.WriteString(w, `{}`)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.BaseURL = server.URL
	session := &fakeSession{tokens: []string{"token-1", "token-2"}}
	client, _ := newTestClient(t, cfg, session, nil)

	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/m", Properties: map[string]interface{}{"a": 1}}))
	require.True(t, client.DrainOnce(context.Background()))

	require.Equal(t, []string{"token-1", "token-2"}, seenTokens)
	require.Equal(t, 1, session.invalidated)
	require.Equal(t, 1, session.activity)
}

func TestOpenCircuitBlocksDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitConsecutiveFailures = 1
	var dead []*Diff
	client, _ := newTestClient(t, cfg, &fakeSession{tokens: []string{"tok"}}, func(diff *Diff, _ error) {
		dead = append(dead, diff)
	})

	calls := 0
	client.sender = func(context.Context, []*Diff) error {
		calls++
		return &StatusError{StatusCode: 500, Body: "boom"}
	}
	// abort instead of waiting for the breaker to half-open
	client.sleep = func(context.Context, time.Duration) bool { return false }

	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/a", Properties: map[string]interface{}{"x": 1}}))
	require.True(t, client.DrainOnce(context.Background()))
	require.Equal(t, 1, calls)
	require.Len(t, dead, 1)

	// the breaker is now open, the next batch never reaches the sender
	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/b", Properties: map[string]interface{}{"x": 2}}))
	require.True(t, client.DrainOnce(context.Background()))
	require.Equal(t, 1, calls)
	require.Len(t, dead, 2)
}

func TestDispatchCountsThrottleEvents(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 2
	cfg.BurstSize = 2
	cfg.MaxBatchTags = 1

	client, sleeps := newTestClient(t, cfg, &fakeSession{tokens: []string{"tok"}}, nil)

	calls := 0
	client.sender = func(context.Context, []*Diff) error {
		calls++
		return nil
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, client.EnqueueDiff(&Diff{
			UNSPath:    fmt.Sprintf("G/E/D/m%d", i),
			Properties: map[string]interface{}{"x": i},
		}))
	}
	for i := 0; i < 5; i++ {
		require.True(t, client.DrainOnce(context.Background()))
	}

	// burst 2 covers the first two dispatches, the rest wait on the limiter
	require.Equal(t, 5, calls)
	require.GreaterOrEqual(t, client.ThrottledTotal(), int64(1))
	require.NotEmpty(t, *sleeps)
	require.Zero(t, client.QueueLen())
}

func TestOversizedPayloadDoesNotTripBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitConsecutiveFailures = 1
	cfg.MaxBatchTags = 1
	var dead []*Diff
	client, _ := newTestClient(t, cfg, &fakeSession{tokens: []string{"tok"}}, func(diff *Diff, _ error) {
		dead = append(dead, diff)
	})

	calls := 0
	client.sender = func(context.Context, []*Diff) error {
		calls++
		return fmt.Errorf("%w: single tag exceeds limit", ErrPayloadTooLarge)
	}
	// abort instead of waiting if the breaker ever opens
	client.sleep = func(context.Context, time.Duration) bool { return false }

	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/a", Properties: map[string]interface{}{"x": 1}}))
	require.NoError(t, client.EnqueueDiff(&Diff{UNSPath: "G/E/D/b", Properties: map[string]interface{}{"x": 2}}))

	// both batches reach the sender: local validation failures dead-letter
	// without counting against the breaker
	require.True(t, client.DrainOnce(context.Background()))
	require.True(t, client.DrainOnce(context.Background()))
	require.Equal(t, 2, calls)
	require.Len(t, dead, 2)
}
