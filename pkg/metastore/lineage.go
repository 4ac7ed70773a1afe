package metastore

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LineageVersionWriter appends metric version history entries and, when a
// path actually moved, a lineage edge from the old path to the new one.
type LineageVersionWriter struct {
	db             Querier
	lineageCounter prometheus.Counter
}

// NewLineageVersionWriter returns a writer over db. lineageCounter may be
// nil when the caller does not track lineage inserts.
func NewLineageVersionWriter(db Querier, lineageCounter prometheus.Counter) *LineageVersionWriter {
	return &LineageVersionWriter{db: db, lineageCounter: lineageCounter}
}

// Apply records a version history row when diff is non-empty, and a lineage
// row when previousPath is non-blank and differs from newPath. Duplicate
// lineage edges are ignored.
func (w *LineageVersionWriter) Apply(ctx context.Context, metricID int64, newPath string, diff map[string]interface{}, previousPath, changedBy string) error {
	if changedBy == "" {
		changedBy = "system"
	}

	if len(diff) > 0 {
		encoded, err := json.Marshal(diff)
		if err != nil {
			return repoErr("version history write", err)
		}
		_, err = w.db.Exec(ctx,
			`INSERT INTO uns_meta.metric_versions (metric_id, changed_by, diff) VALUES ($1, $2, $3::jsonb)`,
			metricID, changedBy, string(encoded),
		)
		if err != nil {
			return repoErr("version history write", err)
		}
	}

	if previousPath == "" || strings.TrimSpace(previousPath) == "" || previousPath == newPath {
		return nil
	}

	var lineageID int64
	err := w.db.QueryRow(ctx,
		`INSERT INTO uns_meta.metric_path_lineage (metric_id, old_uns_path, new_uns_path)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (metric_id, old_uns_path, new_uns_path) DO NOTHING
		 RETURNING lineage_id`,
		metricID, previousPath, newPath,
	).Scan(&lineageID)
	switch {
	case err == nil:
		if w.lineageCounter != nil {
			w.lineageCounter.Inc()
		}
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		// Edge already recorded.
		return nil
	default:
		return repoErr("lineage write", err)
	}
}
