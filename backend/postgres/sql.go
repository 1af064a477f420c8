package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
)

func (c *Client) Query(ctx context.Context, database, statement string, params []host.Value) ([]host.Row, error) {
	pool, err := c.Pool(database)
	if err != nil {
		return nil, err
	}
	args, err := toArgs(params)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("query", zap.String("database", database), zap.String("statement", statement), zap.Int("params", len(args)))
	rows, err := pool.Query(ctx, statement, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []host.Row{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, mapError(err)
		}
		row := host.Row{Index: len(out), Fields: make([]host.Field, len(fields))}
		for i, fd := range fields {
			v, err := fromColumn(fd.DataTypeOID, values[i])
			if err != nil {
				return nil, fault.Operation(fault.CodeUnsupported, "column %q: %v", fd.Name, err)
			}
			row.Fields[i] = host.Field{Name: fd.Name, Value: v}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (c *Client) Exec(ctx context.Context, database, statement string, params []host.Value) (int64, error) {
	pool, err := c.Pool(database)
	if err != nil {
		return 0, err
	}
	args, err := toArgs(params)
	if err != nil {
		return 0, err
	}

	c.logger.Debug("exec", zap.String("database", database), zap.String("statement", statement), zap.Int("params", len(args)))
	tag, err := pool.Exec(ctx, statement, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func toArgs(params []host.Value) ([]any, error) {
	args := make([]any, len(params))
	for i, p := range params {
		a, err := toArg(p)
		if err != nil {
			return nil, fault.InvalidArgument("param $%d: %v", i+1, err)
		}
		args[i] = a
	}
	return args, nil
}

// toArg converts a typed value into a pgx query argument.
func toArg(v host.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch v.Type {
	case host.TypeInt32:
		return v.Int32()
	case host.TypeInt64:
		return v.Int64()
	case host.TypeUint32:
		n, err := v.Uint64()
		if err != nil {
			return nil, err
		}
		if n > math.MaxUint32 {
			return nil, fmt.Errorf("value %d out of range for uint32", n)
		}
		return int64(n), nil
	case host.TypeUint64:
		// PostgreSQL has no unsigned 64-bit type.
		n, err := v.Uint64()
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("uint64 value %d exceeds the int64 maximum and cannot be stored", n)
		}
		return int64(n), nil
	case host.TypeFloat:
		f, err := v.Float64()
		return float32(f), err
	case host.TypeDouble:
		return v.Float64()
	case host.TypeString:
		return v.Str()
	case host.TypeBoolean:
		return v.Bool()
	case host.TypeDate:
		t, err := v.Time()
		if err != nil {
			return nil, err
		}
		return pgtype.Date{Time: t, Valid: true}, nil
	case host.TypeTime:
		t, err := v.Time()
		if err != nil {
			return nil, err
		}
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		return pgtype.Time{Microseconds: t.Sub(midnight).Microseconds(), Valid: true}, nil
	case host.TypeTimestamp:
		return v.Time()
	case host.TypeBinary:
		return v.Bytes()
	case host.TypeNumeric:
		d, err := v.Decimal()
		if err != nil {
			return nil, err
		}
		var n pgtype.Numeric
		if err := n.Scan(d.String()); err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", d.String(), err)
		}
		return n, nil
	case host.TypeJSON:
		if !json.Valid(v.Raw) {
			return nil, errors.New("invalid json")
		}
		return string(v.Raw), nil
	}
	return nil, fmt.Errorf("unsupported parameter type %q", v.Type)
}

// fromColumn converts a decoded column value, selected by the column's type
// OID, into a typed value.
func fromColumn(oid uint32, raw any) (host.Value, error) {
	t, ok := columnType(oid)
	if !ok {
		return host.Value{}, fmt.Errorf("unsupported column type oid %d", oid)
	}
	if raw == nil {
		return host.Null(t), nil
	}

	switch oid {
	case pgtype.TimeOID:
		pt, ok := raw.(pgtype.Time)
		if !ok {
			return host.Value{}, fmt.Errorf("unexpected %T for time", raw)
		}
		if !pt.Valid {
			return host.Null(t), nil
		}
		clock := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(pt.Microseconds) * time.Microsecond)
		return host.NewValue(t, clock), nil
	case pgtype.TimestampOID:
		ts, ok := raw.(time.Time)
		if !ok {
			return host.Value{}, fmt.Errorf("unexpected %T for timestamp", raw)
		}
		return host.NewValue(t, ts.Format(host.NaiveTimestampLayout)), nil
	case pgtype.TimestamptzOID:
		ts, ok := raw.(time.Time)
		if !ok {
			return host.Value{}, fmt.Errorf("unexpected %T for timestamptz", raw)
		}
		return host.NewValue(t, ts.UTC()), nil
	case pgtype.NumericOID:
		n, ok := raw.(pgtype.Numeric)
		if !ok {
			return host.Value{}, fmt.Errorf("unexpected %T for numeric", raw)
		}
		if !n.Valid {
			return host.Null(t), nil
		}
		if n.NaN || n.InfinityModifier != pgtype.Finite {
			return host.Value{}, errors.New("numeric is not finite")
		}
		return host.NewValue(t, decimal.NewFromBigInt(n.Int, n.Exp)), nil
	case pgtype.UUIDOID:
		switch u := raw.(type) {
		case [16]byte:
			return host.NewValue(t, uuid.UUID(u).String()), nil
		case string:
			return host.NewValue(t, u), nil
		}
		return host.Value{}, fmt.Errorf("unexpected %T for uuid", raw)
	case pgtype.Int2OID:
		n, ok := raw.(int16)
		if !ok {
			return host.Value{}, fmt.Errorf("unexpected %T for int2", raw)
		}
		return host.NewValue(t, int32(n)), nil
	}
	return host.EncodeValue(t, raw)
}

func columnType(oid uint32) (host.DataType, bool) {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID:
		return host.TypeInt32, true
	case pgtype.Int8OID:
		return host.TypeInt64, true
	case pgtype.OIDOID:
		return host.TypeUint32, true
	case pgtype.Float4OID:
		return host.TypeFloat, true
	case pgtype.Float8OID:
		return host.TypeDouble, true
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.NameOID, pgtype.BPCharOID, pgtype.UUIDOID:
		return host.TypeString, true
	case pgtype.BoolOID:
		return host.TypeBoolean, true
	case pgtype.DateOID:
		return host.TypeDate, true
	case pgtype.TimeOID:
		return host.TypeTime, true
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return host.TypeTimestamp, true
	case pgtype.JSONOID, pgtype.JSONBOID:
		return host.TypeJSON, true
	case pgtype.ByteaOID:
		return host.TypeBinary, true
	case pgtype.NumericOID:
		return host.TypeNumeric, true
	}
	return "", false
}

// mapError converts driver errors into operation errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.NotFound("no rows")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := fault.CodeInternal
		switch {
		case pgErr.Code == "23505" || pgErr.Code == "40001" || pgErr.Code == "40P01":
			code = fault.CodeConflict
		case strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "42"):
			code = fault.CodeInvalidArgument
			if pgErr.Code == "42501" {
				code = fault.CodePermissionDenied
			}
		case strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57"):
			code = fault.CodeUnavailable
		}
		return fault.Operation(code, "%s (SQLSTATE %s)", pgErr.Message, pgErr.Code)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fault.Operation(fault.CodeUnavailable, "%v", err)
	}
	return fault.Operation(fault.CodeInternal, "%v", err)
}
