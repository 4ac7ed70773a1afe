package canary

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/unsmeta/metasync/pkg/unspath"
)

// circuitProbeInterval is how often a dispatch blocked by the open breaker
// rechecks whether a trial request is allowed.
const circuitProbeInterval = 500 * time.Millisecond

// Sender delivers one batch to the write API. Swapped out in tests.
type Sender func(ctx context.Context, batch []*Diff) error

// DeadLetterFunc receives each diff of a batch that failed permanently.
type DeadLetterFunc func(diff *Diff, err error)

// StaticTokenSource satisfies TokenSource with a fixed token and no session
// lifecycle. Useful when the API is fronted by a long-lived credential.
type StaticTokenSource string

func (s StaticTokenSource) GetToken(context.Context) (string, error) { return string(s), nil }
func (StaticTokenSource) MarkActivity()                              {}
func (StaticTokenSource) Invalidate()                                {}
func (StaticTokenSource) Revoke(context.Context)                     {}

// Client accepts metadata diffs via Enqueue and ships them to the historian
// in rate-limited, retried, circuit-broken batches.
type Client struct {
	cfg      Config
	queue    *Queue
	limiter  *rate.Limiter
	retry    *RetryPolicy
	breaker  *gobreaker.TwoStepCircuitBreaker
	mapper   *PayloadMapper
	session  TokenSource
	sender   Sender
	endpoint string

	httpClient *http.Client
	deadLetter DeadLetterFunc
	logger     log.Logger
	throttled  atomic.Int64

	// injectable for deterministic tests
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewClient(cfg Config, session TokenSource, ids *unspath.Generator, deadLetter DeadLetterFunc, backpressure func(*Diff), logger log.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	retry, err := NewRetryPolicy(cfg.RetryAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	if err != nil {
		return nil, err
	}
	mapper, err := NewPayloadMapper(cfg.MaxPayloadBytes, ids)
	if err != nil {
		return nil, err
	}

	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	threshold := cfg.CircuitConsecutiveFailures
	breaker := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "canary-write",
		MaxRequests: 1,
		Timeout:     cfg.CircuitResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			level.Info(logger).Log("msg", "circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	c := &Client{
		cfg:        cfg,
		queue:      NewQueue(cfg.QueueCapacity, backpressure),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		retry:      retry,
		breaker:    breaker,
		mapper:     mapper,
		session:    session,
		endpoint:   resolveEndpoint(cfg.BaseURL, cfg.EndpointPath),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		deadLetter: deadLetter,
		logger:     logger,
		sleep:      sleepContext,
	}
	c.sender = c.httpSend
	return c, nil
}

func resolveEndpoint(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	path = strings.TrimSpace(path)
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// Enqueue accepts a raw diff payload as emitted by the change listener.
func (c *Client) Enqueue(payload map[string]interface{}) error {
	diff, err := DiffFromPayload(payload)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(diff)
}

// EnqueueDiff accepts an already normalized diff.
func (c *Client) EnqueueDiff(diff *Diff) error {
	return c.queue.Enqueue(diff)
}

// QueueLen is the current queue depth.
func (c *Client) QueueLen() int { return c.queue.Len() }

// ThrottledTotal reports how many dispatches were delayed by the rate
// limiter.
func (c *Client) ThrottledTotal() int64 { return c.throttled.Load() }

// Run is the dispatch loop. It blocks until Close wakes the queue and the
// queue is drained, or the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if !c.processNextBatch(ctx, true) {
			return
		}
	}
}

// DrainOnce dispatches a single batch synchronously if one is queued.
func (c *Client) DrainOnce(ctx context.Context) bool {
	return c.processNextBatch(ctx, false)
}

// Close wakes the dispatch loop so Run returns once the queue is drained.
func (c *Client) Close() { c.queue.Close() }

func (c *Client) processNextBatch(ctx context.Context, block bool) bool {
	batch := c.queue.AcquireBatch(c.cfg.MaxBatchTags, block)
	if len(batch) == 0 {
		return false
	}
	if !c.waitForSlot(ctx) {
		c.emitDeadLetters(batch, ctx.Err())
		return false
	}
	c.dispatch(ctx, batch)
	return true
}

// waitForSlot reserves one request slot from the rate limiter. An empty
// bucket counts as a throttle event before the wait.
func (c *Client) waitForSlot(ctx context.Context) bool {
	reservation := c.limiter.Reserve()
	if !reservation.OK() {
		return false
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return ctx.Err() == nil
	}

	metricThrottled.Inc()
	c.throttled.Inc()
	if !c.sleep(ctx, delay) {
		reservation.Cancel()
		return false
	}
	return true
}

// dispatch drives one batch through the breaker and the retry schedule.
// Session rejections invalidate the token and count as a retriable failure
// so the next attempt reacquires.
func (c *Client) dispatch(ctx context.Context, batch []*Diff) {
	metricRequests.Inc()

	attempt := 1
	for {
		done, err := c.breaker.Allow()
		if err != nil {
			metricCircuitOpen.Inc()
			if !c.sleep(ctx, circuitProbeInterval) {
				c.emitDeadLetters(batch, err)
				return
			}
			continue
		}

		err = c.sender(ctx, batch)
		if err == nil {
			done(true)
			metricTagsWritten.Add(float64(len(batch)))
			if c.session != nil {
				c.session.MarkActivity()
			}
			return
		}

		if errors.Is(err, ErrPayloadTooLarge) {
			// rejected before the request went out, the historian is fine
			done(true)
			metricFailures.Inc()
			level.Error(c.logger).Log("msg", "payload rejected before send", "batch_size", len(batch), "err", err)
			c.emitDeadLetters(batch, err)
			return
		}
		done(false)

		sessionInvalidated := false
		if c.session != nil && isSessionError(err) {
			level.Info(c.logger).Log("msg", "session rejected, reacquiring token", "err", err)
			c.session.Invalidate()
			sessionInvalidated = true
		}

		if attempt >= c.retry.MaxAttempts() || !(isRetriable(err) || sessionInvalidated) {
			metricFailures.Inc()
			level.Error(c.logger).Log("msg", "store request failed permanently", "attempts", attempt, "batch_size", len(batch), "err", err)
			c.emitDeadLetters(batch, err)
			return
		}

		metricRetries.Inc()
		attempt++
		if !c.sleep(ctx, c.retry.NextDelay(attempt)) {
			c.emitDeadLetters(batch, err)
			return
		}
	}
}

func (c *Client) httpSend(ctx context.Context, batch []*Diff) error {
	var token string
	if c.session != nil {
		var err error
		token, err = c.session.GetToken(ctx)
		if err != nil {
			return err
		}
	}

	body, err := c.mapper.BuildPayload(token, batch)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) emitDeadLetters(batch []*Diff, err error) {
	metricDeadLetters.Add(float64(len(batch)))
	if c.deadLetter == nil {
		return
	}
	for _, diff := range batch {
		c.deadLetter(diff, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
