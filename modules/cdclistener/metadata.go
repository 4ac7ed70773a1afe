package cdclistener

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/unsmeta/metasync/pkg/metastore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Identity is the stable addressing of a metric in the metadata store.
type Identity struct {
	MetricID int64
	DeviceID *int64
	UNSPath  string
	CanaryID string
}

// VersionSnapshot is the newest version row of a metric plus the id of the
// one before it.
type VersionSnapshot struct {
	MetricID        int64
	Version         int64
	Actor           string
	ChangedAt       time.Time
	Diff            map[string]interface{}
	PreviousVersion *int64
}

// MetadataProvider resolves the metadata needed to turn a change record into
// a diff event.
type MetadataProvider interface {
	GetIdentity(ctx context.Context, metricID int64) (Identity, bool, error)
	GetVersionSnapshot(ctx context.Context, metricID int64) (VersionSnapshot, bool, error)
}

const (
	selectIdentity = `
		SELECT metric_id, device_id, uns_path, canary_id
		  FROM uns_meta.metrics
		 WHERE metric_id = $1`

	selectVersions = `
		SELECT version_id, changed_by, changed_at, diff
		  FROM uns_meta.metric_versions
		 WHERE metric_id = $1
		 ORDER BY version_id DESC
		 LIMIT 2`
)

// PostgresMetadataProvider reads identity and version rows from the
// metadata schema.
type PostgresMetadataProvider struct {
	db     metastore.Querier
	logger log.Logger
}

func NewPostgresMetadataProvider(db metastore.Querier, logger log.Logger) *PostgresMetadataProvider {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &PostgresMetadataProvider{db: db, logger: logger}
}

func (p *PostgresMetadataProvider) GetIdentity(ctx context.Context, metricID int64) (Identity, bool, error) {
	var identity Identity
	err := p.db.QueryRow(ctx, selectIdentity, metricID).Scan(
		&identity.MetricID, &identity.DeviceID, &identity.UNSPath, &identity.CanaryID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	return identity, true, nil
}

// GetVersionSnapshot returns the latest version row. Rows whose diff is
// empty or unparseable yield no snapshot, there is nothing to forward.
func (p *PostgresMetadataProvider) GetVersionSnapshot(ctx context.Context, metricID int64) (VersionSnapshot, bool, error) {
	rows, err := p.db.Query(ctx, selectVersions, metricID)
	if err != nil {
		return VersionSnapshot{}, false, err
	}
	defer rows.Close()

	type versionRow struct {
		version   int64
		actor     string
		changedAt time.Time
		diff      []byte
	}
	var scanned []versionRow
	for rows.Next() {
		var row versionRow
		if err := rows.Scan(&row.version, &row.actor, &row.changedAt, &row.diff); err != nil {
			return VersionSnapshot{}, false, err
		}
		scanned = append(scanned, row)
	}
	if err := rows.Err(); err != nil {
		return VersionSnapshot{}, false, err
	}
	if len(scanned) == 0 {
		return VersionSnapshot{}, false, nil
	}

	latest := scanned[0]
	diff := map[string]interface{}{}
	if len(latest.diff) > 0 {
		if err := json.Unmarshal(latest.diff, &diff); err != nil {
			level.Warn(p.logger).Log("msg", "version diff is not valid JSON", "metric_id", metricID, "err", err)
			return VersionSnapshot{}, false, nil
		}
	}
	if len(diff) == 0 {
		return VersionSnapshot{}, false, nil
	}

	snapshot := VersionSnapshot{
		MetricID:  metricID,
		Version:   latest.version,
		Actor:     latest.actor,
		ChangedAt: latest.changedAt,
		Diff:      diff,
	}
	if len(scanned) > 1 {
		previous := scanned[1].version
		snapshot.PreviousVersion = &previous
	}
	return snapshot, true, nil
}
