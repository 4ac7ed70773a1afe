package cdc

import (
	"context"
	"time"

	"github.com/unsmeta/metasync/pkg/checkpoint"
)

// Client drains a replication stream, fanning decoded changes out to a
// handler and persisting the resume position as it goes.
type Client struct {
	slotName           string
	factory            StreamFactory
	decoder            Decoder
	checkpoints        checkpoint.Store
	handler            Handler
	checkpointInterval int
	backoff            *Backoff

	lastSeen       *uint64
	lastPersisted  *uint64
	lastErrorDelay time.Duration
}

// NewClient assembles a replication client. checkpointInterval is clamped to
// at least one; handler may be nil when the caller only wants positions
// advanced.
func NewClient(slotName string, factory StreamFactory, decoder Decoder, checkpoints checkpoint.Store, handler Handler, checkpointInterval int, backoff *Backoff) *Client {
	if checkpointInterval < 1 {
		checkpointInterval = 1
	}
	return &Client{
		slotName:           slotName,
		factory:            factory,
		decoder:            decoder,
		checkpoints:        checkpoints,
		handler:            handler,
		checkpointInterval: checkpointInterval,
		backoff:            backoff,
	}
}

// LastErrorDelay is the backoff hint computed when the previous Process call
// failed, zero after a success.
func (c *Client) LastErrorDelay() time.Duration { return c.lastErrorDelay }

// Process drains the stream, invoking the handler per change record. It
// stops after maxMessages records when maxMessages > 0, persisting the
// position of the message that crossed the limit. On failure the returned
// error carries on and LastErrorDelay holds the suggested sleep.
func (c *Client) Process(ctx context.Context, maxMessages int) (int, error) {
	startPosition, ok, err := c.checkpoints.Load(c.slotName)
	if err != nil {
		return 0, c.fail(err)
	}
	var start *uint64
	if ok {
		start = &startPosition
	}

	stream, err := c.factory(ctx, start)
	if err != nil {
		return 0, c.fail(err)
	}
	defer stream.Close()

	processed := 0
	for {
		message, ok, err := stream.Next(ctx)
		if err != nil {
			return processed, c.fail(err)
		}
		if !ok {
			break
		}

		records, err := c.decoder.Decode(message)
		if err != nil {
			return processed, c.fail(err)
		}
		for _, record := range records {
			processed++
			if c.handler != nil {
				if err := c.handler(record); err != nil {
					return processed, c.fail(err)
				}
			}
			if maxMessages > 0 && processed >= maxMessages {
				c.markSeen(message.Position)
				if err := c.persist(message.Position); err != nil {
					return processed, c.fail(err)
				}
				c.succeed()
				return processed, nil
			}
		}
		c.markSeen(message.Position)
		if processed%c.checkpointInterval == 0 {
			if err := c.persist(message.Position); err != nil {
				return processed, c.fail(err)
			}
		}
	}

	if c.lastSeen != nil {
		if err := c.persist(*c.lastSeen); err != nil {
			return processed, c.fail(err)
		}
	}
	c.succeed()
	return processed, nil
}

// ResetCheckpoint rewinds the stored position with the store's guardrails
// and clears client-side state so the next Process starts clean.
func (c *Client) ResetCheckpoint(expected, newPosition *uint64, force bool) error {
	if err := c.checkpoints.Reset(c.slotName, expected, newPosition, force); err != nil {
		return err
	}
	c.lastSeen = newPosition
	c.lastPersisted = newPosition
	c.backoff.Reset()
	c.lastErrorDelay = 0
	return nil
}

func (c *Client) markSeen(position uint64) {
	p := position
	c.lastSeen = &p
}

func (c *Client) persist(position uint64) error {
	if c.lastPersisted != nil && position <= *c.lastPersisted {
		return nil
	}
	if err := c.checkpoints.Save(c.slotName, position); err != nil {
		return err
	}
	p := position
	c.lastPersisted = &p
	return nil
}

func (c *Client) succeed() {
	c.backoff.Reset()
	c.lastErrorDelay = 0
}

func (c *Client) fail(err error) error {
	delay, backoffErr := c.backoff.NextDelay()
	if backoffErr != nil {
		return backoffErr
	}
	c.lastErrorDelay = delay
	return err
}
