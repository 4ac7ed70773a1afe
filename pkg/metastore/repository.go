package metastore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx used by the repository. *pgx.Conn,
// *pgxpool.Pool, and pgx.Tx all satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts transactions. *pgx.Conn and *pgxpool.Pool satisfy it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository runs metadata upserts against the uns_meta schema.
type Repository struct {
	db Querier
}

// NewRepository returns a Repository over db. Multi-statement upserts read
// and then write; run them inside a transaction via InTx when the caller
// needs atomicity across several upserts.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// InTx begins a transaction, hands a transaction-scoped Repository to fn,
// and commits unless fn fails.
func InTx(ctx context.Context, db TxBeginner, fn func(*Repository) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return repoErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(NewRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return repoErr("commit transaction", err)
	}
	return nil
}

const (
	selectDeviceByPath = `
		SELECT device_id, group_id, country, business_unit, plant, edge, device, uns_path, created_at, updated_at
		  FROM uns_meta.devices
		 WHERE uns_path = $1`

	selectDeviceIdentity = `
		SELECT device_id
		  FROM uns_meta.devices
		 WHERE group_id = $1 AND edge = $2 AND device = $3`

	updateDeviceByID = `
		UPDATE uns_meta.devices
		   SET group_id = $1, country = $2, business_unit = $3, plant = $4, edge = $5, device = $6
		 WHERE device_id = $7
		RETURNING device_id, group_id, country, business_unit, plant, edge, device, uns_path, created_at, updated_at`

	updateDevicePath = `
		UPDATE uns_meta.devices
		   SET country = $1, business_unit = $2, plant = $3, uns_path = $4
		 WHERE device_id = $5
		RETURNING device_id, group_id, country, business_unit, plant, edge, device, uns_path, created_at, updated_at`

	insertDevice = `
		INSERT INTO uns_meta.devices (group_id, country, business_unit, plant, edge, device, uns_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING device_id, group_id, country, business_unit, plant, edge, device, uns_path, created_at, updated_at`
)

func scanDevice(row pgx.Row, rec *DeviceRecord) error {
	return row.Scan(
		&rec.DeviceID, &rec.GroupID, &rec.Country, &rec.BusinessUnit,
		&rec.Plant, &rec.Edge, &rec.Device, &rec.UNSPath,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
}

func (p DevicePayload) equalsRecord(rec DeviceRecord) bool {
	return rec.GroupID == p.GroupID &&
		rec.Country == p.Country &&
		rec.BusinessUnit == p.BusinessUnit &&
		rec.Plant == p.Plant &&
		rec.Edge == p.Edge &&
		rec.Device == p.Device &&
		rec.UNSPath == p.UNSPath
}

// UpsertDevice reconciles one device row. The row is looked up by uns_path
// first; an identical row is a noop. When the path is unknown, the
// (group_id, edge, device) identity is tried so renamed paths update the
// existing row instead of inserting a duplicate.
func (r *Repository) UpsertDevice(ctx context.Context, p DevicePayload) (DeviceUpsert, error) {
	var existing DeviceRecord
	err := scanDevice(r.db.QueryRow(ctx, selectDeviceByPath, p.UNSPath), &existing)
	switch {
	case err == nil:
		if p.equalsRecord(existing) {
			return DeviceUpsert{Status: StatusNoop, Record: existing}, nil
		}
		var updated DeviceRecord
		err := scanDevice(r.db.QueryRow(ctx, updateDeviceByID,
			p.GroupID, p.Country, p.BusinessUnit, p.Plant, p.Edge, p.Device, existing.DeviceID,
		), &updated)
		if err != nil {
			return DeviceUpsert{}, repoErr("device upsert", err)
		}
		return DeviceUpsert{Status: StatusUpdated, Record: updated}, nil

	case errors.Is(err, pgx.ErrNoRows):
		var deviceID int64
		err := r.db.QueryRow(ctx, selectDeviceIdentity, p.GroupID, p.Edge, p.Device).Scan(&deviceID)
		switch {
		case err == nil:
			var updated DeviceRecord
			err := scanDevice(r.db.QueryRow(ctx, updateDevicePath,
				p.Country, p.BusinessUnit, p.Plant, p.UNSPath, deviceID,
			), &updated)
			if err != nil {
				return DeviceUpsert{}, repoErr("device upsert", err)
			}
			return DeviceUpsert{Status: StatusUpdated, Record: updated}, nil

		case errors.Is(err, pgx.ErrNoRows):
			var inserted DeviceRecord
			err := scanDevice(r.db.QueryRow(ctx, insertDevice,
				p.GroupID, p.Country, p.BusinessUnit, p.Plant, p.Edge, p.Device, p.UNSPath,
			), &inserted)
			if err != nil {
				return DeviceUpsert{}, repoErr("device upsert", err)
			}
			return DeviceUpsert{Status: StatusInserted, Record: inserted}, nil

		default:
			return DeviceUpsert{}, repoErr("device upsert", err)
		}

	default:
		return DeviceUpsert{}, repoErr("device upsert", err)
	}
}

const (
	selectMetricByPath = `
		SELECT metric_id, device_id, name, uns_path, datatype, canary_id, created_at, updated_at
		  FROM uns_meta.metrics
		 WHERE uns_path = $1`

	selectMetricIdentity = `
		SELECT metric_id
		  FROM uns_meta.metrics
		 WHERE device_id = $1 AND name = $2`

	updateMetricByID = `
		UPDATE uns_meta.metrics
		   SET device_id = $1, name = $2, datatype = $3
		 WHERE metric_id = $4
		RETURNING metric_id, device_id, name, uns_path, datatype, canary_id, created_at, updated_at`

	updateMetricPath = `
		UPDATE uns_meta.metrics
		   SET uns_path = $1, datatype = $2
		 WHERE metric_id = $3
		RETURNING metric_id, device_id, name, uns_path, datatype, canary_id, created_at, updated_at`

	insertMetric = `
		INSERT INTO uns_meta.metrics (device_id, name, uns_path, datatype)
		VALUES ($1, $2, $3, $4)
		RETURNING metric_id, device_id, name, uns_path, datatype, canary_id, created_at, updated_at`
)

func scanMetric(row pgx.Row, rec *MetricRecord) error {
	return row.Scan(
		&rec.MetricID, &rec.DeviceID, &rec.Name, &rec.UNSPath,
		&rec.DataType, &rec.CanaryID, &rec.CreatedAt, &rec.UpdatedAt,
	)
}

func (p MetricPayload) equalsRecord(rec MetricRecord) bool {
	return rec.DeviceID == p.DeviceID &&
		rec.Name == p.Name &&
		rec.UNSPath == p.UNSPath &&
		rec.DataType == p.DataType
}

// UpsertMetric reconciles one metric row, matching by uns_path first and by
// (device_id, name) second.
func (r *Repository) UpsertMetric(ctx context.Context, p MetricPayload) (MetricUpsert, error) {
	var existing MetricRecord
	err := scanMetric(r.db.QueryRow(ctx, selectMetricByPath, p.UNSPath), &existing)
	switch {
	case err == nil:
		if p.equalsRecord(existing) {
			return MetricUpsert{Status: StatusNoop, Record: existing}, nil
		}
		var updated MetricRecord
		err := scanMetric(r.db.QueryRow(ctx, updateMetricByID,
			p.DeviceID, p.Name, p.DataType, existing.MetricID,
		), &updated)
		if err != nil {
			return MetricUpsert{}, repoErr("metric upsert", err)
		}
		return MetricUpsert{Status: StatusUpdated, Record: updated}, nil

	case errors.Is(err, pgx.ErrNoRows):
		var metricID int64
		err := r.db.QueryRow(ctx, selectMetricIdentity, p.DeviceID, p.Name).Scan(&metricID)
		switch {
		case err == nil:
			var updated MetricRecord
			err := scanMetric(r.db.QueryRow(ctx, updateMetricPath,
				p.UNSPath, p.DataType, metricID,
			), &updated)
			if err != nil {
				return MetricUpsert{}, repoErr("metric upsert", err)
			}
			return MetricUpsert{Status: StatusUpdated, Record: updated}, nil

		case errors.Is(err, pgx.ErrNoRows):
			var inserted MetricRecord
			err := scanMetric(r.db.QueryRow(ctx, insertMetric,
				p.DeviceID, p.Name, p.UNSPath, p.DataType,
			), &inserted)
			if err != nil {
				return MetricUpsert{}, repoErr("metric upsert", err)
			}
			return MetricUpsert{Status: StatusInserted, Record: inserted}, nil

		default:
			return MetricUpsert{}, repoErr("metric upsert", err)
		}

	default:
		return MetricUpsert{}, repoErr("metric upsert", err)
	}
}

// UpsertMetricsBulk inserts or updates metrics in batches and returns the
// name to metric_id mapping for the affected rows. Payloads are assumed to
// share a device per batch, matching how birth frames arrive.
func (r *Repository) UpsertMetricsBulk(ctx context.Context, payloads []MetricPayload, batchSize int) (map[string]int64, error) {
	if batchSize <= 0 {
		return nil, repoErr("metric bulk upsert", fmt.Errorf("batch size must be positive, got %d", batchSize))
	}
	if len(payloads) == 0 {
		return map[string]int64{}, nil
	}

	idMap := make(map[string]int64, len(payloads))
	for start := 0; start < len(payloads); start += batchSize {
		end := start + batchSize
		if end > len(payloads) {
			end = len(payloads)
		}
		batch := payloads[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO uns_meta.metrics (device_id, name, uns_path, datatype) VALUES ")
		args := make([]any, 0, len(batch)*4)
		for i, p := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 4
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
			args = append(args, p.DeviceID, p.Name, p.UNSPath, p.DataType)
		}
		sb.WriteString(" ON CONFLICT (device_id, name) DO UPDATE SET uns_path = EXCLUDED.uns_path, datatype = EXCLUDED.datatype")

		if _, err := r.db.Exec(ctx, sb.String(), args...); err != nil {
			return nil, repoErr("metric bulk upsert", err)
		}

		names := make([]string, 0, len(batch))
		for _, p := range batch {
			names = append(names, p.Name)
		}
		rows, err := r.db.Query(ctx,
			`SELECT name, metric_id FROM uns_meta.metrics WHERE device_id = $1 AND name = ANY($2)`,
			batch[0].DeviceID, names,
		)
		if err != nil {
			return nil, repoErr("metric bulk upsert", err)
		}
		for rows.Next() {
			var name string
			var metricID int64
			if err := rows.Scan(&name, &metricID); err != nil {
				rows.Close()
				return nil, repoErr("metric bulk upsert", err)
			}
			idMap[name] = metricID
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, repoErr("metric bulk upsert", err)
		}
	}
	return idMap, nil
}

const (
	selectProperty = `
		SELECT metric_id, key, type, value_int, value_long, value_float, value_double, value_string, value_bool, updated_at
		  FROM uns_meta.metric_properties
		 WHERE metric_id = $1 AND key = $2`

	updateProperty = `
		UPDATE uns_meta.metric_properties
		   SET type = $1, value_int = $2, value_long = $3, value_float = $4, value_double = $5, value_string = $6, value_bool = $7
		 WHERE metric_id = $8 AND key = $9
		RETURNING metric_id, key, type, value_int, value_long, value_float, value_double, value_string, value_bool, updated_at`

	insertProperty = `
		INSERT INTO uns_meta.metric_properties (metric_id, key, type, value_int, value_long, value_float, value_double, value_string, value_bool)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING metric_id, key, type, value_int, value_long, value_float, value_double, value_string, value_bool, updated_at`
)

func scanProperty(row pgx.Row, rec *PropertyRecord) error {
	return row.Scan(
		&rec.MetricID, &rec.Key, &rec.Type,
		&rec.ValueInt, &rec.ValueLong, &rec.ValueFloat, &rec.ValueDouble,
		&rec.ValueString, &rec.ValueBool, &rec.UpdatedAt,
	)
}

// UpsertMetricProperty reconciles one property row by (metric_id, key).
func (r *Repository) UpsertMetricProperty(ctx context.Context, p PropertyPayload) (PropertyUpsert, error) {
	cols, err := propertyColumns(p)
	if err != nil {
		return PropertyUpsert{}, err
	}

	var existing PropertyRecord
	err = scanProperty(r.db.QueryRow(ctx, selectProperty, p.MetricID, p.Key), &existing)
	switch {
	case err == nil:
		if cols.equalsRecord(existing, p.Type) {
			return PropertyUpsert{Status: StatusNoop, Record: existing}, nil
		}
		var updated PropertyRecord
		err := scanProperty(r.db.QueryRow(ctx, updateProperty,
			p.Type, cols.Int, cols.Long, cols.Float, cols.Double, cols.String, cols.Bool,
			p.MetricID, p.Key,
		), &updated)
		if err != nil {
			return PropertyUpsert{}, repoErr("metric property upsert", err)
		}
		return PropertyUpsert{Status: StatusUpdated, Record: updated}, nil

	case errors.Is(err, pgx.ErrNoRows):
		var inserted PropertyRecord
		err := scanProperty(r.db.QueryRow(ctx, insertProperty,
			p.MetricID, p.Key, p.Type,
			cols.Int, cols.Long, cols.Float, cols.Double, cols.String, cols.Bool,
		), &inserted)
		if err != nil {
			return PropertyUpsert{}, repoErr("metric property upsert", err)
		}
		return PropertyUpsert{Status: StatusInserted, Record: inserted}, nil

	default:
		return PropertyUpsert{}, repoErr("metric property upsert", err)
	}
}

// UpsertMetricPropertiesBulk inserts or updates properties in batches,
// deduplicating repeated (metric_id, key) pairs so the last payload wins. The
// conflict clause is guarded with IS DISTINCT FROM comparisons so unchanged
// rows are not rewritten, keeping replication traffic quiet. Returns the
// number of rows actually written.
func (r *Repository) UpsertMetricPropertiesBulk(ctx context.Context, payloads []PropertyPayload, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, repoErr("metric property bulk upsert", fmt.Errorf("batch size must be positive, got %d", batchSize))
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	type pair struct {
		metricID int64
		key      string
	}
	order := make([]pair, 0, len(payloads))
	deduped := make(map[pair]PropertyPayload, len(payloads))
	for _, p := range payloads {
		k := pair{metricID: p.MetricID, key: p.Key}
		if _, seen := deduped[k]; !seen {
			order = append(order, k)
		}
		deduped[k] = p
	}

	var total int64
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		batch := order[start:end]

		var sb strings.Builder
		sb.WriteString("INSERT INTO uns_meta.metric_properties AS mp (metric_id, key, type, value_int, value_long, value_float, value_double, value_string, value_bool) VALUES ")
		args := make([]any, 0, len(batch)*9)
		for i, k := range batch {
			p := deduped[k]
			cols, err := propertyColumns(p)
			if err != nil {
				return 0, err
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 9
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
			args = append(args, p.MetricID, p.Key, p.Type,
				cols.Int, cols.Long, cols.Float, cols.Double, cols.String, cols.Bool)
		}
		sb.WriteString(" ON CONFLICT (metric_id, key) DO UPDATE SET" +
			" type = EXCLUDED.type," +
			" value_int = EXCLUDED.value_int," +
			" value_long = EXCLUDED.value_long," +
			" value_float = EXCLUDED.value_float," +
			" value_double = EXCLUDED.value_double," +
			" value_string = EXCLUDED.value_string," +
			" value_bool = EXCLUDED.value_bool" +
			" WHERE mp.type IS DISTINCT FROM EXCLUDED.type" +
			" OR mp.value_int IS DISTINCT FROM EXCLUDED.value_int" +
			" OR mp.value_long IS DISTINCT FROM EXCLUDED.value_long" +
			" OR mp.value_float IS DISTINCT FROM EXCLUDED.value_float" +
			" OR mp.value_double IS DISTINCT FROM EXCLUDED.value_double" +
			" OR mp.value_string IS DISTINCT FROM EXCLUDED.value_string" +
			" OR mp.value_bool IS DISTINCT FROM EXCLUDED.value_bool")

		tag, err := r.db.Exec(ctx, sb.String(), args...)
		if err != nil {
			return 0, repoErr("metric property bulk upsert", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
