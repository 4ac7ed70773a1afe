package metastore

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB is a scripted Querier. QueryRow answers are consumed in call order;
// Query and Exec record their SQL and arguments for assertions.
type fakeDB struct {
	rowScripts []rowScript
	queryRows  [][][]any

	execSQL  []string
	execArgs [][]any
	execTags []pgconn.CommandTag

	querySQL  []string
	queryArgs [][]any
}

type rowScript struct {
	values []any
	err    error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if len(f.execTags) > 0 {
		tag := f.execTags[0]
		f.execTags = f.execTags[1:]
		return tag, nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.querySQL = append(f.querySQL, sql)
	f.queryArgs = append(f.queryArgs, args)
	var rows [][]any
	if len(f.queryRows) > 0 {
		rows = f.queryRows[0]
		f.queryRows = f.queryRows[1:]
	}
	return &fakeRows{rows: rows}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if len(f.rowScripts) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	script := f.rowScripts[0]
	f.rowScripts = f.rowScripts[1:]
	return fakeRow{values: script.values, err: script.err}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(dest, r.values)
}

func scanInto(dest, values []any) error {
	for i, d := range dest {
		if i >= len(values) || values[i] == nil {
			continue
		}
		target := reflect.ValueOf(d).Elem()
		source := reflect.ValueOf(values[i])
		if source.Type().AssignableTo(target.Type()) {
			target.Set(source)
			continue
		}
		// Allow scripting *T columns with plain T values.
		if target.Kind() == reflect.Ptr && source.Type().AssignableTo(target.Type().Elem()) {
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(source)
			target.Set(p)
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(dest, r.rows[r.idx-1])
}
func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx-1], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }
