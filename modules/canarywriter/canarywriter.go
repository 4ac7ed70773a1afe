package canarywriter

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/unsmeta/metasync/pkg/canary"
	"github.com/unsmeta/metasync/pkg/unspath"
)

// Writer runs the historian write client as a service. Diffs enter through
// Enqueue and leave through the client's background dispatch loop.
type Writer struct {
	services.Service

	cfg    Config
	logger log.Logger

	client  *canary.Client
	session canary.TokenSource
}

func New(cfg Config, logger log.Logger) (*Writer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Client.APIToken == "" {
		return nil, errors.New("canary api_token is required when the writer is enabled")
	}

	session, err := canary.NewSessionManager(cfg.Client, nil, logger)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		cfg:     cfg,
		logger:  logger,
		session: session,
	}

	ids := unspath.NewGenerator(logger)
	w.client, err = canary.NewClient(cfg.Client, session, ids, w.deadLetter, w.backpressure, logger)
	if err != nil {
		return nil, err
	}

	level.Info(logger).Log(
		"msg", "canary writer configured",
		"base_url", cfg.Client.BaseURL,
		"max_batch_tags", cfg.Client.MaxBatchTags,
		"max_payload", humanize.IBytes(uint64(cfg.Client.MaxPayloadBytes)),
	)

	w.Service = services.NewBasicService(nil, w.running, w.stopping)
	return w, nil
}

// Enqueue accepts a diff payload from the change listener. A full queue
// returns canary.ErrQueueFull.
func (w *Writer) Enqueue(payload map[string]interface{}) error {
	return w.client.Enqueue(payload)
}

func (w *Writer) running(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.client.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		// wake the dispatch loop, it drains what is queued and returns
		w.client.Close()
		<-done
	case <-done:
	}
	return nil
}

func (w *Writer) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for w.client.DrainOnce(ctx) {
	}
	w.session.Revoke(ctx)
	level.Info(w.logger).Log("msg", "canary writer stopped", "pending", w.client.QueueLen())
	return nil
}

func (w *Writer) deadLetter(diff *canary.Diff, err error) {
	level.Warn(w.logger).Log("msg", "diff dropped after permanent failure", "uns_path", diff.UNSPath, "err", err)
}

func (w *Writer) backpressure(diff *canary.Diff) {
	level.Warn(w.logger).Log("msg", "write queue full, rejecting diff", "uns_path", diff.UNSPath)
}
