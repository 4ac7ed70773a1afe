package cdclistener

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/unsmeta/metasync/pkg/cdc"
)

// standbyStatusInterval is how often the stream confirms its position to the
// server even without a keepalive request.
const standbyStatusInterval = 5 * time.Second

// NewStreamFactory opens a logical replication stream per processing batch.
// The returned stream ends itself after ReadTimeout without traffic so the
// caller gets back control for checkpointing and debounce flushes.
func NewStreamFactory(cfg Config, logger log.Logger) cdc.StreamFactory {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return func(ctx context.Context, startPosition *uint64) (cdc.Stream, error) {
		conn, err := pgconn.Connect(ctx, cfg.Replication.DSN())
		if err != nil {
			return nil, err
		}

		startLSN := pglogrepl.LSN(0)
		if startPosition != nil {
			startLSN = pglogrepl.LSN(*startPosition)
		}

		err = pglogrepl.StartReplication(ctx, conn, cfg.Slot, startLSN, pglogrepl.StartReplicationOptions{
			Mode:       pglogrepl.LogicalReplication,
			PluginArgs: pluginArgs(cfg),
		})
		if err != nil {
			_ = conn.Close(context.Background())
			return nil, err
		}

		level.Debug(logger).Log("msg", "replication stream started", "slot", cfg.Slot, "start_lsn", startLSN.String())
		return &replicationStream{
			conn:        conn,
			logger:      logger,
			readTimeout: cfg.Replication.ReadTimeout,
			flushedLSN:  startLSN,
		}, nil
	}
}

// pluginArgs returns the START_REPLICATION options for the configured
// output plugin. wal2json runs with its defaults.
func pluginArgs(cfg Config) []string {
	if cfg.ReplicationPlugin == "pgoutput" {
		return []string{
			"proto_version '1'",
			"publication_names '" + cfg.Publication + "'",
		}
	}
	return nil
}

type replicationStream struct {
	conn        *pgconn.PgConn
	logger      log.Logger
	readTimeout time.Duration

	flushedLSN pglogrepl.LSN
	lastStatus time.Time
}

func (s *replicationStream) Next(ctx context.Context) (cdc.StreamMessage, bool, error) {
	idleDeadline := time.Now().Add(s.readTimeout)
	for {
		if err := s.maybeSendStatus(ctx, false); err != nil {
			return cdc.StreamMessage{}, false, err
		}

		readCtx, cancel := context.WithDeadline(ctx, idleDeadline)
		raw, err := s.conn.ReceiveMessage(readCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				// quiet stream, hand the batch back to the caller
				return cdc.StreamMessage{}, false, nil
			}
			return cdc.StreamMessage{}, false, err
		}

		copyData, ok := raw.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return cdc.StreamMessage{}, false, err
			}
			if keepalive.ReplyRequested {
				if err := s.maybeSendStatus(ctx, true); err != nil {
					return cdc.StreamMessage{}, false, err
				}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return cdc.StreamMessage{}, false, err
			}
			s.flushedLSN = xld.WALStart
			return cdc.StreamMessage{
				Position:        uint64(xld.WALStart),
				Data:            xld.WALData,
				CommitTimestamp: xld.ServerTime,
			}, true, nil
		}
	}
}

func (s *replicationStream) maybeSendStatus(ctx context.Context, force bool) error {
	if !force && time.Since(s.lastStatus) < standbyStatusInterval {
		return nil
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.flushedLSN,
		WALFlushPosition: s.flushedLSN,
		WALApplyPosition: s.flushedLSN,
	})
	if err != nil {
		return err
	}
	s.lastStatus = time.Now()
	return nil
}

func (s *replicationStream) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.maybeSendStatus(ctx, true)
	return s.conn.Close(ctx)
}
