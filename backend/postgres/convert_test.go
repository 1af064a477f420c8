package postgres

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/settings"
)

func TestToArg(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value host.Value
		want  any
	}{
		{"null", host.Null(host.TypeInt64), nil},
		{"int32", host.NewValue(host.TypeInt32, 7), int32(7)},
		{"int64", host.NewValue(host.TypeInt64, int64(math.MaxInt64)), int64(math.MaxInt64)},
		{"uint32", host.NewValue(host.TypeUint32, uint32(math.MaxUint32)), int64(math.MaxUint32)},
		{"uint64 in range", host.NewValue(host.TypeUint64, uint64(42)), int64(42)},
		{"string", host.NewValue(host.TypeString, "hi"), "hi"},
		{"bool", host.NewValue(host.TypeBoolean, true), true},
		{"double", host.NewValue(host.TypeDouble, 1.5), 1.5},
		{"float", host.NewValue(host.TypeFloat, 1.5), float32(1.5)},
		{"rfc3339 timestamp", host.NewValue(host.TypeTimestamp, "2024-03-01T12:30:00Z"), ts},
		{"naive timestamp", host.NewValue(host.TypeTimestamp, "2024-03-01 12:30:00"), ts},
		{"json", host.NewValue(host.TypeJSON, map[string]int{"a": 1}), `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toArg(tt.value)
			if err != nil {
				t.Fatalf("toArg: %v", err)
			}
			if gt, ok := got.(time.Time); ok {
				if !gt.Equal(tt.want.(time.Time)) {
					t.Errorf("got %v, want %v", gt, tt.want)
				}
				return
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestToArgTypedValues(t *testing.T) {
	got, err := toArg(host.NewValue(host.TypeTime, "01:02:03"))
	if err != nil {
		t.Fatal(err)
	}
	pt, ok := got.(pgtype.Time)
	if !ok || pt.Microseconds != (time.Hour+2*time.Minute+3*time.Second).Microseconds() {
		t.Errorf("time arg = %#v", got)
	}

	got, err = toArg(host.NewValue(host.TypeNumeric, decimal.RequireFromString("12.345")))
	if err != nil {
		t.Fatal(err)
	}
	n, ok := got.(pgtype.Numeric)
	if !ok || !n.Valid || decimal.NewFromBigInt(n.Int, n.Exp).String() != "12.345" {
		t.Errorf("numeric arg = %#v", got)
	}

	got, err = toArg(host.NewValue(host.TypeBinary, []byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if b, ok := got.([]byte); !ok || len(b) != 3 {
		t.Errorf("binary arg = %#v", got)
	}
}

func TestToArgRejects(t *testing.T) {
	tests := []struct {
		name  string
		value host.Value
	}{
		{"uint64 overflow", host.NewValue(host.TypeUint64, uint64(math.MaxUint64))},
		{"int32 overflow", host.NewValue(host.TypeInt32, int64(math.MaxInt32)+1)},
		{"bad timestamp", host.NewValue(host.TypeTimestamp, "yesterday")},
		{"bad json", host.Value{Type: host.TypeJSON, Raw: []byte("{")}},
		{"unknown type", host.Value{Type: "decimal128", Raw: []byte("1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := toArgs([]host.Value{tt.value}); fault.CodeOf(err) != fault.CodeInvalidArgument {
				t.Errorf("err = %v, want invalid_argument", err)
			}
		})
	}
}

func TestFromColumn(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		oid  uint32
		raw  any
		typ  host.DataType
		want string
	}{
		{"int2", pgtype.Int2OID, int16(3), host.TypeInt32, "3"},
		{"int4", pgtype.Int4OID, int32(4), host.TypeInt32, "4"},
		{"int8", pgtype.Int8OID, int64(math.MaxInt64), host.TypeInt64, "9223372036854775807"},
		{"oid", pgtype.OIDOID, uint32(99), host.TypeUint32, "99"},
		{"text", pgtype.TextOID, "x", host.TypeString, `"x"`},
		{"bool", pgtype.BoolOID, true, host.TypeBoolean, "true"},
		{"date", pgtype.DateOID, ts, host.TypeDate, `"2024-03-01"`},
		{"timestamp", pgtype.TimestampOID, ts, host.TypeTimestamp, `"2024-03-01 12:30:00"`},
		{"timestamptz", pgtype.TimestamptzOID, ts, host.TypeTimestamp, `"2024-03-01T12:30:00Z"`},
		{"time", pgtype.TimeOID, pgtype.Time{Microseconds: 3_600_000_000, Valid: true}, host.TypeTime, `"01:00:00"`},
		{"bytea", pgtype.ByteaOID, []byte("hi"), host.TypeBinary, `"aGk="`},
		{"jsonb", pgtype.JSONBOID, map[string]any{"a": 1.0}, host.TypeJSON, `{"a":1}`},
		{"uuid", pgtype.UUIDOID, [16]byte{0: 1, 15: 2}, host.TypeString, `"01000000-0000-0000-0000-000000000002"`},
		{"null", pgtype.Int8OID, nil, host.TypeInt64, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := fromColumn(tt.oid, tt.raw)
			if err != nil {
				t.Fatalf("fromColumn: %v", err)
			}
			if v.Type != tt.typ {
				t.Errorf("type = %s, want %s", v.Type, tt.typ)
			}
			if string(v.Raw) != tt.want {
				t.Errorf("raw = %s, want %s", v.Raw, tt.want)
			}
		})
	}

	var n pgtype.Numeric
	if err := n.Scan("-1.50"); err != nil {
		t.Fatal(err)
	}
	v, err := fromColumn(pgtype.NumericOID, n)
	if err != nil {
		t.Fatal(err)
	}
	d, err := v.Decimal()
	if err != nil || !d.Equal(decimal.RequireFromString("-1.5")) {
		t.Errorf("numeric = %v, %v", d, err)
	}

	if _, err := fromColumn(pgtype.PointOID, "x"); err == nil {
		t.Error("expected an error for an unsupported column type")
	}
}

func TestFromColumnNonFinite(t *testing.T) {
	tests := []struct {
		name string
		oid  uint32
		raw  any
	}{
		{"float8 nan", pgtype.Float8OID, math.NaN()},
		{"float8 +inf", pgtype.Float8OID, math.Inf(1)},
		{"float8 -inf", pgtype.Float8OID, math.Inf(-1)},
		{"float4 nan", pgtype.Float4OID, float32(math.NaN())},
		{"float4 +inf", pgtype.Float4OID, float32(math.Inf(1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := fromColumn(tt.oid, tt.raw)
			if err == nil {
				t.Fatalf("fromColumn = %+v (null %v), want an error", v, v.IsNull())
			}
		})
	}

	v, err := fromColumn(pgtype.Float8OID, 2.5)
	if err != nil || string(v.Raw) != "2.5" {
		t.Errorf("finite float8 = %s, %v", v.Raw, err)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		code string
		want fault.Code
	}{
		{"23505", fault.CodeConflict},
		{"42P01", fault.CodeInvalidArgument},
		{"42601", fault.CodeInvalidArgument},
		{"42501", fault.CodePermissionDenied},
		{"08006", fault.CodeUnavailable},
		{"XX000", fault.CodeInternal},
	}
	for _, tt := range tests {
		err := mapError(&pgconn.PgError{Code: tt.code, Message: "boom"})
		if got := fault.CodeOf(err); got != tt.want {
			t.Errorf("%s: code = %s, want %s", tt.code, got, tt.want)
		}
	}
	if mapError(nil) != nil {
		t.Error("nil error mapped to non-nil")
	}
	if err := mapError(errors.New("odd")); fault.CodeOf(err) != fault.CodeInternal {
		t.Errorf("plain error = %v", err)
	}
}

func TestPoolURLs(t *testing.T) {
	src := settings.Map{
		"PG_URL":          "postgres://localhost/main",
		"PG_POOLS":        "reports,audit",
		"PG_REPORTS_URL":  "postgres://localhost/reports",
		"PG_AUDIT_URL":    "postgres://localhost/audit",
		"PG_UNLISTED_URL": "postgres://localhost/other",
	}
	var opts Options
	if err := settings.Resolve("db", src, &opts); err != nil {
		t.Fatal(err)
	}
	urls, err := poolURLs("db", src, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 3 || urls["REPORTS"] != "postgres://localhost/reports" || urls[DefaultPool] != "postgres://localhost/main" {
		t.Errorf("urls = %v", urls)
	}

	delete(src, "PG_AUDIT_URL")
	if _, err := poolURLs("db", src, opts); fault.ClassOf(err) != fault.ClassConfiguration {
		t.Errorf("missing pool url: %v", err)
	}

	opts.Pools = []string{"default"}
	if _, err := poolURLs("db", src, opts); fault.ClassOf(err) != fault.ClassConfiguration {
		t.Errorf("reserved pool name: %v", err)
	}
}

func TestLikePrefix(t *testing.T) {
	if got := likePrefix(`a_b%c\`); got != `a\_b\%c\\%` {
		t.Errorf("likePrefix = %q", got)
	}
	if got := likePrefix(""); got != "%" {
		t.Errorf("empty prefix = %q", got)
	}
}
