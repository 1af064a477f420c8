package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caffeineduck/harbor/fault"
)

const full = `
module: /srv/guest.wasm
timeout: 5s
grace: 500ms
max_concurrency: 0
rate_limit: 20
memory_limit_pages: 256
cache_dir: /var/cache/harbor
shutdown_grace: 3s
log: {level: DEBUG, format: json}
telemetry: {otlp_endpoint: "http://collector:4318", service_name: edge}
backends:
  - name: cache
    kind: MemKV
    interfaces: [KeyValue]
    settings: {KV_MAX_ENTRIES: "10000"}
  - name: bus
    kind: membroker
listeners:
  http: {addr: ":9090"}
  consumers: [{backend: bus, topic: jobs, reply_topic: results}]
  schedules: [{name: tick, interval: 1m, payload: "{}"}]
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("module: guest.wasm\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 30*time.Second || cfg.Grace != 2*time.Second || cfg.ShutdownGrace != 10*time.Second {
		t.Errorf("durations = %s %s %s", cfg.Timeout, cfg.Grace, cfg.ShutdownGrace)
	}
	if cfg.MaxConcurrency != 256 || cfg.RateLimit != 0 || cfg.RateBurst != 0 {
		t.Errorf("admission = %d %v %d", cfg.MaxConcurrency, cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" || cfg.Telemetry.ServiceName != "harbor" {
		t.Errorf("log/telemetry = %+v %+v", cfg.Log, cfg.Telemetry)
	}
	if cfg.HasListeners() {
		t.Error("no listeners were configured")
	}
	if len(cfg.TemplateOptions()) != 2 {
		t.Errorf("template options = %d", len(cfg.TemplateOptions()))
	}
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(full))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timeout != 5*time.Second || cfg.Grace != 500*time.Millisecond || cfg.ShutdownGrace != 3*time.Second {
		t.Errorf("durations = %s %s %s", cfg.Timeout, cfg.Grace, cfg.ShutdownGrace)
	}
	if cfg.MaxConcurrency != 0 {
		t.Errorf("explicit zero max_concurrency = %d", cfg.MaxConcurrency)
	}
	if cfg.RateBurst != 20 {
		t.Errorf("rate burst = %d", cfg.RateBurst)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Telemetry.ServiceName != "edge" || cfg.Telemetry.Interval != 15*time.Second {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}

	specs := cfg.BackendSpecs()
	if len(specs) != 2 {
		t.Fatalf("specs = %+v", specs)
	}
	if specs[0].Kind != "memkv" || specs[0].Interfaces[0] != "keyvalue" || specs[0].Settings["KV_MAX_ENTRIES"] != "10000" {
		t.Errorf("spec[0] = %+v", specs[0])
	}
	if specs[1].Interfaces != nil {
		t.Errorf("spec[1] interfaces = %v", specs[1].Interfaces)
	}

	l := cfg.Listeners
	if l.HTTP == nil || l.HTTP.Addr != ":9090" || l.HTTP.MaxBody != DefaultHTTPMaxBody {
		t.Errorf("http = %+v", l.HTTP)
	}
	if len(l.Consumers) != 1 || l.Consumers[0].ReplyTopic != "results" {
		t.Errorf("consumers = %+v", l.Consumers)
	}
	if len(l.Schedules) != 1 || l.Schedules[0].Interval != time.Minute || l.Schedules[0].Payload != "{}" {
		t.Errorf("schedules = %+v", l.Schedules)
	}
	if len(cfg.ExecutorOptions(nil, nil)) != 4 {
		t.Errorf("executor options = %d", len(cfg.ExecutorOptions(nil, nil)))
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing module", "timeout: 1s\n"},
		{"unknown field", "module: a.wasm\nworkers: 3\n"},
		{"bad duration", "module: a.wasm\ntimeout: soon\n"},
		{"zero timeout", "module: a.wasm\ntimeout: 0s\n"},
		{"negative grace", "module: a.wasm\ngrace: -1s\n"},
		{"negative concurrency", "module: a.wasm\nmax_concurrency: -1\n"},
		{"negative rate", "module: a.wasm\nrate_limit: -2\n"},
		{"bad level", "module: a.wasm\nlog: {level: loud}\n"},
		{"bad format", "module: a.wasm\nlog: {format: xml}\n"},
		{"unnamed backend", "module: a.wasm\nbackends: [{kind: memkv}]\n"},
		{"kindless backend", "module: a.wasm\nbackends: [{name: a}]\n"},
		{"duplicate backend", "module: a.wasm\nbackends: [{name: a, kind: memkv}, {name: a, kind: memkv}]\n"},
		{"consumer backend", "module: a.wasm\nlisteners: {consumers: [{backend: nope, topic: t}]}\n"},
		{"consumer topic", "module: a.wasm\nbackends: [{name: b, kind: membroker}]\nlisteners: {consumers: [{backend: b}]}\n"},
		{"reply loop", "module: a.wasm\nbackends: [{name: b, kind: membroker}]\nlisteners: {consumers: [{backend: b, topic: t, reply_topic: t}]}\n"},
		{"schedule interval", "module: a.wasm\nlisteners: {schedules: [{name: s}]}\n"},
		{"duplicate schedule", "module: a.wasm\nlisteners: {schedules: [{name: s, interval: 1s}, {name: s, interval: 2s}]}\n"},
		{"not yaml", "module: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if fault.ClassOf(err) != fault.ClassConfiguration {
				t.Errorf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harbor.yaml")
	if err := os.WriteFile(path, []byte("module: guests/app.wasm\nlisteners:\n  http: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "guests", "app.wasm"); cfg.Module != want {
		t.Errorf("module = %s, want %s", cfg.Module, want)
	}
	if cfg.Listeners.HTTP == nil || cfg.Listeners.HTTP.Addr != DefaultHTTPAddr {
		t.Errorf("http = %+v", cfg.Listeners.HTTP)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); fault.ClassOf(err) != fault.ClassConfiguration {
		t.Errorf("missing file: %v", err)
	}
}
