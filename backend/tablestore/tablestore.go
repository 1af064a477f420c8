// Package tablestore is an in-memory partitioned table store serving the sql
// interface through a restricted SQL dialect.
//
// Every entity is addressed by PartitionKey and RowKey and carries a
// store-maintained Timestamp. Queries take the form
//
//	SELECT [TOP n] * | col, ... FROM table [WHERE cond {AND|OR cond}]
//
// with =, !=, <>, <, <=, >, >= comparisons, NOT and parentheses. Mutations
// address exactly one entity:
//
//	INSERT INTO table (PartitionKey, RowKey, col, ...) VALUES ($1, $2, $3, ...)
//	UPDATE table SET col = $n, ... WHERE PartitionKey = $a AND RowKey = $b
//	DELETE FROM table WHERE PartitionKey = $a AND RowKey = $b
//
// ORDER BY, JOIN and aggregation are not supported. Results are returned in
// PartitionKey, RowKey order.
package tablestore

import (
	"bytes"
	"context"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/settings"
)

const Kind = "tablestore"

// Reserved system fields.
const (
	PartitionKey = "PartitionKey"
	RowKey       = "RowKey"
	Timestamp    = "Timestamp"
)

const maxKeySize = 1024

type Options struct {
	// Tables restricts the store to a fixed set of tables. When empty,
	// tables are created by their first insert.
	Tables     []string `env:"TABLE_NAMES"`
	MaxRows    int      `env:"TABLE_MAX_ROWS" default:"100000"`
	MaxResults int      `env:"TABLE_MAX_RESULTS" default:"1000"`
}

type entity struct {
	partition string
	row       string
	timestamp time.Time
	fields    []host.Field
}

func (e *entity) get(name string) (host.Value, bool) {
	switch name {
	case PartitionKey:
		return host.NewValue(host.TypeString, e.partition), true
	case RowKey:
		return host.NewValue(host.TypeString, e.row), true
	case Timestamp:
		return host.NewValue(host.TypeTimestamp, e.timestamp), true
	}
	for _, f := range e.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return host.Value{}, false
}

// record renders the entity as a row. Columns that the entity lacks are
// returned as nulls.
func (e *entity) record(index int, columns []string) host.Row {
	row := host.Row{Index: index}
	if columns == nil {
		row.Fields = make([]host.Field, 0, 3+len(e.fields))
		for _, name := range []string{PartitionKey, RowKey, Timestamp} {
			v, _ := e.get(name)
			row.Fields = append(row.Fields, host.Field{Name: name, Value: v})
		}
		row.Fields = append(row.Fields, e.fields...)
		return row
	}
	row.Fields = make([]host.Field, len(columns))
	for i, name := range columns {
		v, ok := e.get(name)
		if !ok {
			v = host.Null(host.TypeNull)
		}
		row.Fields[i] = host.Field{Name: name, Value: v}
	}
	return row
}

type entityKey struct{ partition, row string }

type table struct {
	entities map[entityKey]*entity
}

type Store struct {
	opts Options
	now  func() time.Time

	mu     sync.RWMutex
	tables map[string]*table
	rows   int
	closed bool
}

func New(opts Options) (*Store, error) {
	s := &Store{opts: opts, now: time.Now, tables: make(map[string]*table)}
	for _, name := range opts.Tables {
		if err := validTable(name); err != nil {
			return nil, err
		}
		s.tables[strings.ToLower(name)] = &table{entities: make(map[entityKey]*entity)}
	}
	return s, nil
}

func Factory(_ context.Context, cfg backend.Config) (backend.Backend, error) {
	var opts Options
	if err := settings.Resolve(cfg.Name, cfg.Settings, &opts); err != nil {
		return nil, err
	}
	if opts.MaxRows <= 0 || opts.MaxResults <= 0 {
		return nil, fault.Configuration(cfg.Name, "TABLE_MAX_ROWS and TABLE_MAX_RESULTS must be positive")
	}
	s, err := New(opts)
	if err != nil {
		return nil, fault.Configuration(cfg.Name, "%v", err)
	}
	return s, nil
}

func (s *Store) Interfaces() []string { return []string{"sql"} }

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tables = nil
	s.rows = 0
	return nil
}

// Len returns the number of stored entities across all tables.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}

func (s *Store) Query(ctx context.Context, database, statement string, params []host.Value) ([]host.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := parseQuery(statement, params)
	if err != nil {
		return nil, err
	}
	name, err := tableName(database, q.table)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}
	t, err := s.lookupLocked(name, false)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return []host.Row{}, nil
	}

	var matched []*entity
	for _, e := range t.entities {
		if q.where == nil || q.where.match(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].partition != matched[j].partition {
			return matched[i].partition < matched[j].partition
		}
		return matched[i].row < matched[j].row
	})

	limit := s.opts.MaxResults
	if q.top > 0 && (limit <= 0 || q.top < limit) {
		limit = q.top
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	rows := make([]host.Row, len(matched))
	for i, e := range matched {
		rows[i] = e.record(i, q.columns)
	}
	return rows, nil
}

func (s *Store) Exec(ctx context.Context, database, statement string, params []host.Value) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m, err := parseExec(statement, params)
	if err != nil {
		return 0, err
	}
	name, err := tableName(database, m.table)
	if err != nil {
		return 0, err
	}
	fields, err := normalize(m.fields)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed()
	}
	t, err := s.lookupLocked(name, m.action == actionInsert)
	if err != nil {
		return 0, err
	}
	key := entityKey{m.partition, m.row}
	var existing *entity
	if t != nil {
		existing = t.entities[key]
	}

	switch m.action {
	case actionInsert:
		if existing != nil {
			return 0, fault.Operation(fault.CodeConflict, "entity (%s, %s) already exists in %s", m.partition, m.row, name)
		}
		if s.opts.MaxRows > 0 && s.rows >= s.opts.MaxRows {
			return 0, fault.Operation(fault.CodeUnavailable, "table store is full (%d entities)", s.opts.MaxRows)
		}
		t.entities[key] = &entity{partition: m.partition, row: m.row, timestamp: s.now().UTC(), fields: fields}
		s.rows++
	case actionUpdate:
		if existing == nil {
			return 0, fault.NotFound("entity (%s, %s) not found in %s", m.partition, m.row, name)
		}
		existing.fields = fields
		existing.timestamp = s.now().UTC()
	case actionDelete:
		if existing == nil {
			return 0, fault.NotFound("entity (%s, %s) not found in %s", m.partition, m.row, name)
		}
		delete(t.entities, key)
		s.rows--
	}
	return 1, nil
}

// lookupLocked returns the named table. A missing table is created when
// create is set and the store has no fixed table list; otherwise it is nil,
// or not_found when the table list is fixed.
func (s *Store) lookupLocked(name string, create bool) (*table, error) {
	key := strings.ToLower(name)
	if t, ok := s.tables[key]; ok {
		return t, nil
	}
	if len(s.opts.Tables) > 0 {
		return nil, fault.NotFound("table %q does not exist", name)
	}
	if !create {
		return nil, nil
	}
	t := &table{entities: make(map[entityKey]*entity)}
	s.tables[key] = t
	return t, nil
}

// tableName reconciles the database the guest opened with the table the
// statement names.
func tableName(database, statement string) (string, error) {
	name := statement
	if database != "" {
		if !strings.EqualFold(database, statement) {
			return "", fault.InvalidArgument("statement targets table %q but database %q was selected", statement, database)
		}
		name = database
	}
	if err := validTable(name); err != nil {
		return "", err
	}
	return name, nil
}

func validTable(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fault.InvalidArgument("table name %q must be 3 to 63 characters", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		letter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !letter && (i == 0 || !isDigit(c)) {
			return fault.InvalidArgument("table name %q must be alphanumeric and start with a letter", name)
		}
	}
	return nil
}

// normalize checks property values and maps them onto the stored types.
// Unsigned integers are stored as int64 and floats as doubles; null
// properties are omitted.
func normalize(fields []host.Field) ([]host.Field, error) {
	out := make([]host.Field, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == Timestamp {
			return nil, fault.InvalidArgument("%s is maintained by the store", Timestamp)
		}
		if seen[f.Name] {
			return nil, fault.InvalidArgument("property %q given twice", f.Name)
		}
		seen[f.Name] = true
		if f.Value.IsNull() {
			continue
		}
		if _, err := f.Value.Any(); err != nil {
			return nil, fault.InvalidArgument("property %q: %v", f.Name, err)
		}

		v := f.Value
		switch v.Type {
		case host.TypeUint32, host.TypeUint64:
			n, _ := v.Uint64()
			if n > math.MaxInt64 {
				return nil, fault.InvalidArgument("property %q: uint64 value %d exceeds the int64 maximum and cannot be stored", f.Name, n)
			}
			v = host.NewValue(host.TypeInt64, int64(n))
		case host.TypeFloat:
			x, _ := v.Float64()
			v = host.NewValue(host.TypeDouble, x)
		case host.TypeNumeric, host.TypeJSON:
			return nil, fault.Operation(fault.CodeUnsupported, "property %q: %s values are not supported by the table store", f.Name, v.Type)
		}
		out = append(out, host.Field{Name: f.Name, Value: v})
	}
	return out, nil
}

func errClosed() error {
	return fault.Operation(fault.CodeUnavailable, "table store is closed")
}

type expr interface {
	match(e *entity) bool
}

type andExpr struct{ left, right expr }

func (x andExpr) match(e *entity) bool { return x.left.match(e) && x.right.match(e) }

type orExpr struct{ left, right expr }

func (x orExpr) match(e *entity) bool { return x.left.match(e) || x.right.match(e) }

type notExpr struct{ x expr }

func (x notExpr) match(e *entity) bool { return !x.x.match(e) }

// cond compares one property with a value. Missing properties and values of
// incomparable types never match.
type cond struct {
	column string
	op     string
	value  host.Value
}

func (c cond) match(e *entity) bool {
	v, ok := e.get(c.column)
	if !ok {
		return false
	}
	n, ok := compare(v, c.value)
	if !ok {
		return false
	}
	switch c.op {
	case "=":
		return n == 0
	case "!=":
		return n != 0
	case "<":
		return n < 0
	case "<=":
		return n <= 0
	case ">":
		return n > 0
	case ">=":
		return n >= 0
	}
	return false
}

type category int

const (
	catNone category = iota
	catNumber
	catString
	catBool
	catTime
	catBinary
)

func categoryOf(t host.DataType) category {
	switch t {
	case host.TypeInt32, host.TypeInt64, host.TypeUint32, host.TypeUint64, host.TypeFloat, host.TypeDouble:
		return catNumber
	case host.TypeString:
		return catString
	case host.TypeBoolean:
		return catBool
	case host.TypeDate, host.TypeTime, host.TypeTimestamp:
		return catTime
	case host.TypeBinary:
		return catBinary
	}
	return catNone
}

// compare orders two values of the same category.
func compare(a, b host.Value) (int, bool) {
	if a.IsNull() || b.IsNull() {
		return 0, false
	}
	ca := categoryOf(a.Type)
	if ca == catNone || ca != categoryOf(b.Type) {
		return 0, false
	}

	switch ca {
	case catNumber:
		x, errA := number(a)
		y, errB := number(b)
		if errA != nil || errB != nil {
			return 0, false
		}
		return x.Cmp(y), true
	case catString:
		x, errA := a.Str()
		y, errB := b.Str()
		if errA != nil || errB != nil {
			return 0, false
		}
		return strings.Compare(x, y), true
	case catBool:
		x, errA := a.Bool()
		y, errB := b.Bool()
		if errA != nil || errB != nil {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case catTime:
		x, errA := a.Time()
		y, errB := b.Time()
		if errA != nil || errB != nil {
			return 0, false
		}
		return x.Compare(y), true
	case catBinary:
		x, errA := a.Bytes()
		y, errB := b.Bytes()
		if errA != nil || errB != nil {
			return 0, false
		}
		return bytes.Compare(x, y), true
	}
	return 0, false
}

func number(v host.Value) (decimal.Decimal, error) {
	switch v.Type {
	case host.TypeFloat, host.TypeDouble:
		f, err := v.Float64()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromFloat(f), nil
	case host.TypeUint32, host.TypeUint64:
		n, err := v.Uint64()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), nil
	}
	n, err := v.Int64()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromInt(n), nil
}
