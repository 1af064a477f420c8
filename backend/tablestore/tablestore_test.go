package tablestore

import (
	"context"
	"testing"
	"time"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/settings"
)

func str(s string) host.Value  { return host.NewValue(host.TypeString, s) }
func i64(n int64) host.Value   { return host.NewValue(host.TypeInt64, n) }
func dbl(f float64) host.Value { return host.NewValue(host.TypeDouble, f) }

const insertOrder = `INSERT INTO orders (PartitionKey, RowKey, item, qty, price) VALUES ($1, $2, $3, $4, $5)`

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{MaxRows: 100, MaxResults: 1000})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	seed := []struct {
		pk, rk, item string
		qty          int64
		price        float64
	}{
		{"eu", "001", "apple", 3, 0.5},
		{"eu", "002", "pear", 10, 0.75},
		{"us", "001", "plum", 1, 2.0},
		{"us", "002", "apple", 7, 0.55},
	}
	for _, r := range seed {
		n, err := s.Exec(ctx, "", insertOrder, []host.Value{str(r.pk), str(r.rk), str(r.item), i64(r.qty), dbl(r.price)})
		if err != nil || n != 1 {
			t.Fatalf("seed %v: %d, %v", r, n, err)
		}
	}
	return s
}

func keysOf(rows []host.Row) []string {
	var out []string
	for _, r := range rows {
		pk, _ := r.Get(PartitionKey)
		rk, _ := r.Get(RowKey)
		p, _ := pk.Str()
		k, _ := rk.Str()
		out = append(out, p+"/"+k)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQuery(t *testing.T) {
	s := newStore(t)

	tests := []struct {
		name   string
		stmt   string
		params []host.Value
		want   []string
	}{
		{"all", `SELECT * FROM orders`, nil, []string{"eu/001", "eu/002", "us/001", "us/002"}},
		{"partition", `SELECT * FROM orders WHERE PartitionKey = $1`, []host.Value{str("us")}, []string{"us/001", "us/002"}},
		{"literal", `SELECT * FROM orders WHERE item = 'apple'`, nil, []string{"eu/001", "us/002"}},
		{"numeric range", `SELECT * FROM orders WHERE qty >= 3 AND qty < 10`, nil, []string{"eu/001", "us/002"}},
		{"mixed numeric types", `SELECT * FROM orders WHERE price > $1`, []host.Value{host.NewValue(host.TypeInt32, 1)}, []string{"us/001"}},
		{"or", `SELECT * FROM orders WHERE item = 'plum' OR qty = 10`, nil, []string{"eu/002", "us/001"}},
		{"not and parens", `SELECT * FROM orders WHERE NOT (PartitionKey = 'eu' OR item = 'plum')`, nil, []string{"us/002"}},
		{"not equal", `select * from orders where item <> 'apple'`, nil, []string{"eu/002", "us/001"}},
		{"top", `SELECT TOP 3 * FROM orders`, nil, []string{"eu/001", "eu/002", "us/001"}},
		{"missing property", `SELECT * FROM orders WHERE colour = 'red'`, nil, nil},
		{"type mismatch", `SELECT * FROM orders WHERE qty = 'three'`, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.Query(context.Background(), "", tt.stmt, tt.params)
			if err != nil {
				t.Fatal(err)
			}
			if got := keysOf(rows); !equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			for i, r := range rows {
				if r.Index != i {
					t.Errorf("row %d has index %d", i, r.Index)
				}
			}
		})
	}
}

func TestQueryRowShape(t *testing.T) {
	s := newStore(t)
	rows, err := s.Query(context.Background(), "orders", `SELECT * FROM orders WHERE RowKey = '001' AND PartitionKey = 'eu'`, nil)
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %v, %v", rows, err)
	}
	names := make([]string, len(rows[0].Fields))
	for i, f := range rows[0].Fields {
		names[i] = f.Name
	}
	if !equal(names, []string{PartitionKey, RowKey, Timestamp, "item", "qty", "price"}) {
		t.Errorf("fields = %v", names)
	}
	ts, _ := rows[0].Get(Timestamp)
	if when, err := ts.Time(); err != nil || time.Since(when) > time.Minute {
		t.Errorf("timestamp = %v, %v", when, err)
	}

	rows, err = s.Query(context.Background(), "", `SELECT item, colour FROM orders WHERE qty = 1`, nil)
	if err != nil || len(rows) != 1 || len(rows[0].Fields) != 2 {
		t.Fatalf("projection = %+v, %v", rows, err)
	}
	if v := rows[0].Fields[1].Value; !v.IsNull() {
		t.Errorf("missing column = %+v, want null", v)
	}
}

func TestExec(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Exec(ctx, "", insertOrder, []host.Value{str("eu"), str("001"), str("kiwi"), i64(1), dbl(1)})
	if fault.CodeOf(err) != fault.CodeConflict {
		t.Errorf("duplicate insert: %v", err)
	}

	n, err := s.Exec(ctx, "", `UPDATE orders SET item = $1, qty = $2 WHERE PartitionKey = $3 AND RowKey = $4`,
		[]host.Value{str("kiwi"), host.NewValue(host.TypeUint32, 4), str("eu"), str("001")})
	if err != nil || n != 1 {
		t.Fatalf("update = %d, %v", n, err)
	}
	rows, _ := s.Query(ctx, "", `SELECT * FROM orders WHERE item = 'kiwi'`, nil)
	if len(rows) != 1 {
		t.Fatalf("updated rows = %v", rows)
	}
	if _, ok := rows[0].Get("price"); ok {
		t.Error("update should replace the entity's properties")
	}
	if qty, _ := rows[0].Get("qty"); qty.Type != host.TypeInt64 {
		t.Errorf("uint32 stored as %s, want int64", qty.Type)
	}

	if _, err := s.Exec(ctx, "", `DELETE FROM orders WHERE PartitionKey = 'eu' AND RowKey = '001'`, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Exec(ctx, "", `DELETE FROM orders WHERE PartitionKey = 'eu' AND RowKey = '001'`, nil); fault.CodeOf(err) != fault.CodeNotFound {
		t.Errorf("second delete: %v", err)
	}
	if _, err := s.Exec(ctx, "", `UPDATE orders SET item = $1 WHERE PartitionKey = 'zz' AND RowKey = 'zz'`, []host.Value{str("x")}); fault.CodeOf(err) != fault.CodeNotFound {
		t.Errorf("update of a missing entity: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("len = %d, want 3", s.Len())
	}
}

func TestRejectedStatements(t *testing.T) {
	s := newStore(t)

	tests := []struct {
		name   string
		query  bool
		stmt   string
		params []host.Value
		want   fault.Code
	}{
		{"order by", true, `SELECT * FROM orders ORDER BY qty`, nil, fault.CodeUnsupported},
		{"join", true, `SELECT * FROM orders JOIN items`, nil, fault.CodeUnsupported},
		{"two tables", true, `SELECT * FROM orders, items`, nil, fault.CodeUnsupported},
		{"exec via query", true, `DELETE FROM orders`, nil, fault.CodeInvalidArgument},
		{"bad placeholder", true, `SELECT * FROM orders WHERE qty = $3`, []host.Value{i64(1)}, fault.CodeInvalidArgument},
		{"unterminated", true, `SELECT * FROM orders WHERE item = 'x`, nil, fault.CodeInvalidArgument},
		{"database mismatch", true, `SELECT * FROM items`, nil, fault.CodeInvalidArgument},
		{"select via exec", false, `SELECT * FROM orders`, nil, fault.CodeInvalidArgument},
		{"insert without row key", false, `INSERT INTO orders (PartitionKey, item) VALUES ($1, $2)`, []host.Value{str("a"), str("b")}, fault.CodeInvalidArgument},
		{"insert count mismatch", false, `INSERT INTO orders (PartitionKey, RowKey) VALUES ($1)`, []host.Value{str("a")}, fault.CodeInvalidArgument},
		{"insert literal", false, `INSERT INTO orders (PartitionKey, RowKey) VALUES ('a', 'b')`, nil, fault.CodeInvalidArgument},
		{"non-string key", false, `INSERT INTO orders (PartitionKey, RowKey) VALUES ($1, $2)`, []host.Value{i64(1), str("b")}, fault.CodeInvalidArgument},
		{"forbidden key char", false, `INSERT INTO orders (PartitionKey, RowKey) VALUES ($1, $2)`, []host.Value{str("a/b"), str("b")}, fault.CodeInvalidArgument},
		{"timestamp write", false, `INSERT INTO orders (PartitionKey, RowKey, Timestamp) VALUES ($1, $2, $3)`, []host.Value{str("a"), str("b"), str("c")}, fault.CodeInvalidArgument},
		{"uint64 overflow", false, `INSERT INTO orders (PartitionKey, RowKey, n) VALUES ($1, $2, $3)`, []host.Value{str("a"), str("b"), host.NewValue(host.TypeUint64, uint64(9223372036854775808))}, fault.CodeInvalidArgument},
		{"numeric property", false, `INSERT INTO orders (PartitionKey, RowKey, n) VALUES ($1, $2, $3)`, []host.Value{str("a"), str("b"), host.NewValue(host.TypeNumeric, "1.5")}, fault.CodeUnsupported},
		{"update without where", false, `UPDATE orders SET item = $1`, []host.Value{str("x")}, fault.CodeInvalidArgument},
		{"update extra condition", false, `UPDATE orders SET item = $1 WHERE PartitionKey = 'eu' AND RowKey = '001' AND qty = 3`, []host.Value{str("x")}, fault.CodeUnsupported},
		{"update key", false, `UPDATE orders SET RowKey = $1 WHERE PartitionKey = 'eu' AND RowKey = '001'`, []host.Value{str("x")}, fault.CodeInvalidArgument},
		{"delete range", false, `DELETE FROM orders WHERE PartitionKey = 'eu' AND RowKey > '001'`, nil, fault.CodeUnsupported},
		{"delete partition only", false, `DELETE FROM orders WHERE PartitionKey = 'eu'`, nil, fault.CodeInvalidArgument},
		{"drop", false, `DROP TABLE orders`, nil, fault.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.query {
				_, err = s.Query(context.Background(), "orders", tt.stmt, tt.params)
			} else {
				_, err = s.Exec(context.Background(), "orders", tt.stmt, tt.params)
			}
			if got := fault.CodeOf(err); got != tt.want {
				t.Errorf("err = %v, want code %s", err, tt.want)
			}
		})
	}
	if s.Len() != 4 {
		t.Errorf("rejected statements changed the store: len = %d", s.Len())
	}
}

func TestFixedTables(t *testing.T) {
	s, err := New(Options{Tables: []string{"events"}, MaxRows: 1, MaxResults: 10})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ins := `INSERT INTO events (PartitionKey, RowKey) VALUES ($1, $2)`

	if _, err := s.Exec(ctx, "", ins, []host.Value{str("a"), str("1")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Exec(ctx, "", ins, []host.Value{str("a"), str("2")}); fault.CodeOf(err) != fault.CodeUnavailable {
		t.Errorf("insert past MaxRows: %v", err)
	}
	if _, err := s.Query(ctx, "", `SELECT * FROM others`, nil); fault.CodeOf(err) != fault.CodeNotFound {
		t.Errorf("unknown table: %v", err)
	}

	open, _ := New(Options{MaxRows: 10, MaxResults: 10})
	rows, err := open.Query(ctx, "", `SELECT * FROM anything`, nil)
	if err != nil || len(rows) != 0 || rows == nil {
		t.Errorf("absent table = %v, %v", rows, err)
	}
}

func TestMaxResults(t *testing.T) {
	s, _ := New(Options{MaxRows: 100, MaxResults: 2})
	ctx := context.Background()
	for _, rk := range []string{"1", "2", "3"} {
		s.Exec(ctx, "", `INSERT INTO items (PartitionKey, RowKey) VALUES ($1, $2)`, []host.Value{str("p"), str(rk)})
	}
	rows, _ := s.Query(ctx, "", `SELECT * FROM items`, nil)
	if len(rows) != 2 {
		t.Errorf("rows = %d, want MaxResults", len(rows))
	}
	rows, _ = s.Query(ctx, "", `SELECT TOP 1 * FROM items`, nil)
	if len(rows) != 1 {
		t.Errorf("TOP 1 rows = %d", len(rows))
	}
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	cfg := backend.Config{Name: "tables", Settings: settings.Map{"TABLE_NAMES": "orders"}}

	a, err := Factory(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Factory(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	ins := `INSERT INTO orders (PartitionKey, RowKey) VALUES ($1, $2)`
	if _, err := a.(host.SQL).Exec(ctx, "", ins, []host.Value{str("p"), str("r")}); err != nil {
		t.Fatal(err)
	}
	rows, err := b.(host.SQL).Query(ctx, "", `SELECT * FROM orders`, nil)
	if err != nil || len(rows) != 0 {
		t.Errorf("handles share state: %v, %v", rows, err)
	}

	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.(host.SQL).Query(ctx, "", `SELECT * FROM orders`, nil); fault.CodeOf(err) != fault.CodeUnavailable {
		t.Errorf("query after close: %v", err)
	}

	for _, bad := range []settings.Map{{"TABLE_NAMES": "x"}, {"TABLE_MAX_ROWS": "0"}, {"TABLE_MAX_RESULTS": "many"}} {
		if _, err := Factory(ctx, backend.Config{Name: "tables", Settings: bad}); fault.ClassOf(err) != fault.ClassConfiguration {
			t.Errorf("settings %v: %v", bad, err)
		}
	}
}
