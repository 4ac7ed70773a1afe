package canary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// TokenSource supplies session tokens to the dispatch loop.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	MarkActivity()
	Invalidate()
	Revoke(ctx context.Context)
}

// SessionManager owns the short-lived session token for the write API. A
// single mutex guards the token, GetToken may perform network requests while
// holding it so at most one goroutine negotiates with the API at a time.
type SessionManager struct {
	baseURL        string
	apiToken       string
	clientID       string
	historians     []string
	sessionTimeout time.Duration
	keepaliveIdle  time.Duration
	jitter         time.Duration

	client *http.Client
	logger log.Logger
	nowFn  func() time.Time
	randFn func() float64

	mtx           sync.Mutex
	token         string
	lastActivity  time.Time
	lastKeepalive time.Time
}

func NewSessionManager(cfg Config, client *http.Client, logger log.Logger) (*SessionManager, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url must be provided")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("api_token must be provided")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.SessionTimeout + 5*time.Second}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "metasync"
	}
	historians := make([]string, 0, len(cfg.Historians))
	for _, h := range cfg.Historians {
		if h != "" {
			historians = append(historians, h)
		}
	}

	now := time.Now()
	return &SessionManager{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:       cfg.APIToken,
		clientID:       clientID,
		historians:     historians,
		sessionTimeout: cfg.SessionTimeout,
		keepaliveIdle:  cfg.KeepaliveIdle,
		jitter:         cfg.KeepaliveJitter,
		client:         client,
		logger:         logger,
		nowFn:          time.Now,
		randFn:         rand.Float64,
		lastActivity:   now,
		lastKeepalive:  now,
	}, nil
}

// GetToken returns the current session token, acquiring one if absent. When
// the session has idled past the keepalive threshold a /keepAlive is issued
// first, a failed keepalive discards the token and reacquires.
func (s *SessionManager) GetToken(ctx context.Context) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.ensureTokenLocked(ctx); err != nil {
		return "", err
	}
	s.maybeKeepAliveLocked(ctx)
	if s.token == "" {
		if err := s.ensureTokenLocked(ctx); err != nil {
			return "", err
		}
	}
	return s.token, nil
}

func (s *SessionManager) MarkActivity() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.lastActivity = s.nowFn()
}

func (s *SessionManager) Invalidate() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.token != "" {
		metricSessionInvalidated.Inc()
	}
	s.token = ""
}

// Revoke releases the session. Failures are logged, never surfaced, the
// token is gone either way.
func (s *SessionManager) Revoke(ctx context.Context) {
	s.mtx.Lock()
	token := s.token
	s.token = ""
	s.mtx.Unlock()

	if token == "" {
		return
	}
	if err := s.post(ctx, "/revokeSessionToken", map[string]interface{}{"sessionToken": token}, nil); err != nil {
		level.Debug(s.logger).Log("msg", "failed to revoke session token", "err", err)
	}
}

func (s *SessionManager) ensureTokenLocked(ctx context.Context) error {
	if s.token != "" {
		return nil
	}

	var response struct {
		SessionToken string `json:"sessionToken"`
	}
	err := s.post(ctx, "/getSessionToken", map[string]interface{}{
		"apiToken":   s.apiToken,
		"clientId":   s.clientID,
		"historians": s.historians,
		"settings":   map[string]interface{}{"clientTimeout": s.sessionTimeout.Milliseconds()},
	}, &response)
	if err != nil {
		return fmt.Errorf("%w: getSessionToken request failed: %s", ErrSession, err)
	}
	if response.SessionToken == "" {
		return fmt.Errorf("%w: getSessionToken response missing sessionToken", ErrSession)
	}

	s.token = response.SessionToken
	now := s.nowFn()
	s.lastActivity = now
	s.lastKeepalive = now
	metricSessionAcquired.Inc()
	return nil
}

func (s *SessionManager) maybeKeepAliveLocked(ctx context.Context) {
	if s.token == "" {
		return
	}
	idle := s.nowFn().Sub(s.lastActivity)
	if idle < s.keepaliveIdle {
		return
	}
	jitter := time.Duration(s.randFn() * float64(s.jitter))
	if idle < s.keepaliveIdle+jitter {
		return
	}

	err := s.post(ctx, "/keepAlive", map[string]interface{}{"sessionToken": s.token}, nil)
	if err != nil {
		level.Warn(s.logger).Log("msg", "session keepalive failed", "err", err)
		metricSessionInvalidated.Inc()
		s.token = ""
		return
	}
	now := s.nowFn()
	s.lastKeepalive = now
	s.lastActivity = now
}

func (s *SessionManager) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
