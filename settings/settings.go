// Package settings resolves backend connection options from named settings.
//
// A backend declares its options as a struct whose fields carry an env tag
// naming the setting, an optional default tag and an optional required tag:
//
//	type Options struct {
//		URL      string        `env:"PG_URL" required:"true"`
//		MaxConns int32         `env:"PG_MAX_CONNS" default:"8"`
//		Timeout  time.Duration `env:"PG_TIMEOUT" default:"5s"`
//	}
//
// Resolve fills the struct once at startup. The result is treated as
// immutable afterwards.
package settings

import (
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caffeineduck/harbor/fault"
)

// Source looks up a named setting.
type Source interface {
	Lookup(name string) (string, bool)
}

// Map is a Source backed by an in-memory map.
type Map map[string]string

func (m Map) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Keys returns the map's names in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Env is a Source backed by the process environment.
type Env struct{}

func (Env) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// Chain consults each source in order and returns the first hit.
type Chain []Source

func (c Chain) Lookup(name string) (string, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if v, ok := s.Lookup(name); ok {
			return v, true
		}
	}
	return "", false
}

// Layered returns the standard lookup order: explicit values, then the
// process environment.
func Layered(values map[string]string) Source {
	return Chain{Map(values), Env{}}
}

var durationType = reflect.TypeOf(time.Duration(0))

// Resolve populates the struct pointed to by dst from src. Missing required
// settings and values that fail to parse are reported as configuration
// errors naming the component.
func Resolve(component string, src Source, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fault.Configuration(component, "options must be a pointer to a struct, got %T", dst)
	}
	if src == nil {
		src = Map(nil)
	}

	v := rv.Elem()
	t := v.Type()

	var missing []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("env")
		if name == "" || !field.IsExported() {
			continue
		}

		raw, ok := src.Lookup(name)
		if !ok || raw == "" {
			if def, hasDef := field.Tag.Lookup("default"); hasDef {
				raw, ok = def, true
			}
		}
		if !ok || raw == "" {
			if field.Tag.Get("required") == "true" {
				missing = append(missing, name)
			}
			continue
		}

		if err := assign(v.Field(i), raw); err != nil {
			return fault.Configuration(component, "setting %s: %v", name, err)
		}
	}

	if len(missing) > 0 {
		return fault.Configuration(component, "missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func assign(f reflect.Value, raw string) error {
	if f.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
		return nil
	}

	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, f.Type().Bits())
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, f.Type().Bits())
		if err != nil {
			return err
		}
		f.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, f.Type().Bits())
		if err != nil {
			return err
		}
		f.SetFloat(n)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return &unsupportedError{kind: f.Type().String()}
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		f.Set(reflect.ValueOf(parts))
	default:
		return &unsupportedError{kind: f.Type().String()}
	}
	return nil
}

type unsupportedError struct {
	kind string
}

func (e *unsupportedError) Error() string {
	return "unsupported field type " + e.kind
}
