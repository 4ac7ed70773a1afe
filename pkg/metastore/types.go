// Package metastore persists UNS device and metric metadata in Postgres.
// Upserts are idempotent: rows are matched by uns_path first, then by their
// secondary identity, and writes that would change nothing report noop.
package metastore

import "time"

// UpsertStatus reports what an upsert did to the target row.
type UpsertStatus string

const (
	StatusInserted UpsertStatus = "inserted"
	StatusUpdated  UpsertStatus = "updated"
	StatusNoop     UpsertStatus = "noop"
)

// DevicePayload is the desired state of one device row.
type DevicePayload struct {
	GroupID      string
	Country      string
	BusinessUnit string
	Plant        string
	Edge         string
	Device       string
	UNSPath      string
}

// DeviceRecord is a device row as stored.
type DeviceRecord struct {
	DeviceID     int64
	GroupID      string
	Country      string
	BusinessUnit string
	Plant        string
	Edge         string
	Device       string
	UNSPath      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeviceUpsert is the outcome of a device upsert.
type DeviceUpsert struct {
	Status UpsertStatus
	Record DeviceRecord
}

// MetricPayload is the desired state of one metric row. DataType carries the
// Sparkplug datatype name.
type MetricPayload struct {
	DeviceID int64
	Name     string
	UNSPath  string
	DataType string
}

// MetricRecord is a metric row as stored. CanaryID is maintained by a
// database trigger and may be empty until first computed.
type MetricRecord struct {
	MetricID  int64
	DeviceID  int64
	Name      string
	UNSPath   string
	DataType  string
	CanaryID  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MetricUpsert is the outcome of a metric upsert.
type MetricUpsert struct {
	Status UpsertStatus
	Record MetricRecord
}

// PropertyPayload is the desired state of one metric property row. Type must
// be one of int, long, float, double, string, boolean; Value is coerced into
// the single typed column matching Type.
type PropertyPayload struct {
	MetricID int64
	Key      string
	Type     string
	Value    interface{}
}

// PropertyRecord is a metric property row as stored. Exactly one value
// column is non-nil.
type PropertyRecord struct {
	MetricID    int64
	Key         string
	Type        string
	ValueInt    *int32
	ValueLong   *int64
	ValueFloat  *float32
	ValueDouble *float64
	ValueString *string
	ValueBool   *bool
	UpdatedAt   time.Time
}

// PropertyUpsert is the outcome of a property upsert.
type PropertyUpsert struct {
	Status UpsertStatus
	Record PropertyRecord
}
