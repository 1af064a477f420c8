package executor_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/caffeineduck/harbor/executor"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/internal/wasmtest"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[bucket+"/"+key]
	if !ok {
		return nil, fault.NotFound("key %q not found", key)
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, bucket, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	m.data[bucket+"/"+key] = value
	m.mu.Unlock()
	return nil
}

func (m *memKV) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	delete(m.data, bucket+"/"+key)
	m.mu.Unlock()
	return nil
}

func (m *memKV) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[bucket+"/"+key]
	return ok, nil
}

func (m *memKV) Keys(context.Context, string, string) ([]string, error) {
	return nil, nil
}

// prepare compiles wasm against the linker's interfaces and returns a template.
func prepare(t *testing.T, wasm []byte, linker *host.Linker, opts ...executor.TemplateOption) *executor.Template {
	t.Helper()

	exec, err := executor.New()
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { exec.Close(context.Background()) })

	if linker == nil {
		linker = host.NewLinker()
	}
	mod, err := exec.Compile(context.Background(), wasm, linker.Interfaces())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	tmpl, err := exec.Prepare(context.Background(), mod, linker, opts...)
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	return tmpl
}

func kvLinker(t *testing.T, kv host.KeyValue) *host.Linker {
	t.Helper()
	l := host.NewLinker()
	if err := host.Bind(l, host.KeyValueInterface, "cache", kv); err != nil {
		t.Fatal(err)
	}
	return l
}

func responses(t *testing.T, out []byte) []string {
	t.Helper()
	return strings.Split(strings.TrimRight(string(out), "\n"), "\n")
}

func TestCompileValidation(t *testing.T) {
	exec, err := executor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer exec.Close(context.Background())

	kv := []host.Interface{host.KeyValueInterface}

	tests := []struct {
		name     string
		wasm     []byte
		provided []host.Interface
		wantErr  string
	}{
		{"empty", nil, nil, "empty module"},
		{"garbage", []byte("not wasm"), nil, "invalid module"},
		{"unknown module", wasmtest.UnknownModule(), nil, "unknown module"},
		{"unknown wasi function", wasmtest.UnknownWASI(), nil, "unknown WASI function"},
		{"interface not provided", wasmtest.Calls(wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: "{}"}), nil, "not provided"},
		{"unknown operation", wasmtest.UnknownOperation(), kv, "no operation"},
		{"bad signature", wasmtest.BadSignature(), kv, "want (i32, i32) -> i64"},
		{"missing alloc", wasmtest.MissingAlloc(), kv, "harbor_alloc"},
		{"missing start", wasmtest.NoStart(), nil, "_start"},
		{"missing memory", wasmtest.NoMemory(), nil, "memory"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := exec.Compile(context.Background(), tc.wasm, tc.provided)
			if err == nil {
				t.Fatal("expected compilation error")
			}
			if fault.ClassOf(err) != fault.ClassCompilation {
				t.Errorf("expected compilation class, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should contain %q", err, tc.wantErr)
			}
			if !fault.IsStartup(err) {
				t.Error("compilation errors are startup-fatal")
			}
		})
	}
}

func TestCompileAcceptsValidModules(t *testing.T) {
	exec, err := executor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer exec.Close(context.Background())

	mod, err := exec.Compile(context.Background(), wasmtest.Calls(
		wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: "{}"},
		wasmtest.HostCall{Interface: "keyvalue", Operation: "set", Args: "{}"},
		wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: "{}"},
	), []host.Interface{host.KeyValueInterface, host.SQLInterface})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if got := mod.Interfaces(); len(got) != 1 || got[0] != "keyvalue" {
		t.Errorf("interfaces = %v", got)
	}
	if got := mod.Operations("keyvalue"); strings.Join(got, ",") != "get,set" {
		t.Errorf("operations = %v", got)
	}

	for _, wasm := range [][]byte{wasmtest.Echo(), wasmtest.Loop(), wasmtest.Exit(0)} {
		if _, err := exec.Compile(context.Background(), wasm, nil); err != nil {
			t.Errorf("compile: %v", err)
		}
	}
}

func TestEcho(t *testing.T) {
	tmpl := prepare(t, wasmtest.Echo(), nil)

	res := tmpl.Run(context.Background(), executor.Request{Payload: []byte(`{"hello":"world"}`)})
	if !res.OK() {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
	if string(res.Output) != `{"hello":"world"}` {
		t.Errorf("output = %q", res.Output)
	}
	if res.RequestID == "" {
		t.Error("request id should be generated")
	}
}

func TestExitCodes(t *testing.T) {
	t.Run("zero", func(t *testing.T) {
		tmpl := prepare(t, wasmtest.Exit(0), nil)
		res := tmpl.Run(context.Background(), executor.Request{})
		if res.State != executor.StateCompleted {
			t.Errorf("state = %v, err = %v", res.State, res.Err)
		}
	})

	t.Run("non-zero", func(t *testing.T) {
		tmpl := prepare(t, wasmtest.Print("partial", "first\nboom\n", 3), nil)
		res := tmpl.Run(context.Background(), executor.Request{})
		if res.State != executor.StateFailed {
			t.Fatalf("state = %v", res.State)
		}
		if res.ExitCode != 3 {
			t.Errorf("exit code = %d", res.ExitCode)
		}
		var ge *executor.GuestError
		if !errors.As(res.Err, &ge) {
			t.Fatalf("expected GuestError, got %v", res.Err)
		}
		if ge.Message != "boom" {
			t.Errorf("message = %q", ge.Message)
		}
		if string(res.Output) != "partial" {
			t.Errorf("output = %q", res.Output)
		}
		if res.IsPanic() {
			t.Error("guest failure is not a panic")
		}
	})

	t.Run("trap", func(t *testing.T) {
		tmpl := prepare(t, wasmtest.Trap(), nil)
		res := tmpl.Run(context.Background(), executor.Request{})
		if res.State != executor.StateFailed {
			t.Fatalf("state = %v", res.State)
		}
		var ge *executor.GuestError
		if !errors.As(res.Err, &ge) || ge.Cause == nil {
			t.Errorf("expected trap GuestError, got %v", res.Err)
		}
	})
}

func TestTimeoutInfiniteLoop(t *testing.T) {
	tmpl := prepare(t, wasmtest.Loop(), nil, executor.WithTimeout(100*time.Millisecond))

	start := time.Now()
	res := tmpl.Run(context.Background(), executor.Request{})
	elapsed := time.Since(start)

	if res.State != executor.StateTimedOut {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
	if fault.ClassOf(res.Err) != fault.ClassTimeout {
		t.Errorf("expected timeout class, got %v", res.Err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestRequestTimeoutOverride(t *testing.T) {
	tmpl := prepare(t, wasmtest.Loop(), nil, executor.WithTimeout(time.Minute))

	res := tmpl.Run(context.Background(), executor.Request{Timeout: 50 * time.Millisecond})
	if res.State != executor.StateTimedOut {
		t.Fatalf("state = %v", res.State)
	}
}

func TestCancellationFailsInstance(t *testing.T) {
	tmpl := prepare(t, wasmtest.Loop(), nil, executor.WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := tmpl.Run(ctx, executor.Request{})
	if res.State != executor.StateFailed {
		t.Fatalf("state = %v", res.State)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", res.Err)
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	tmpl := prepare(t, wasmtest.Counter(), nil)

	const n = 32
	var wg sync.WaitGroup
	outputs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := tmpl.Run(context.Background(), executor.Request{})
			if res.Err != nil {
				outputs[i] = res.Err.Error()
				return
			}
			outputs[i] = string(res.Output)
		}(i)
	}
	wg.Wait()

	for i, out := range outputs {
		if out != "11" {
			t.Errorf("instance %d saw state from another instance: %q", i, out)
		}
	}
	if tmpl.Active() != 0 {
		t.Errorf("active = %d after all instances finished", tmpl.Active())
	}
}

func TestInstanceIsNotReusable(t *testing.T) {
	tmpl := prepare(t, wasmtest.Exit(0), nil)

	inst := tmpl.NewInstance(executor.Request{ID: "req-1", Trigger: executor.TriggerConsole})
	if inst.State() != executor.StateCreated {
		t.Fatalf("state = %v", inst.State())
	}
	if inst.ID() != "req-1" {
		t.Errorf("id = %q", inst.ID())
	}

	first := inst.Run(context.Background())
	if !first.OK() {
		t.Fatalf("first run: %v", first.Err)
	}
	if inst.State() != executor.StateDiscarded {
		t.Errorf("state after run = %v", inst.State())
	}

	second := inst.Run(context.Background())
	if !errors.Is(second.Err, executor.ErrInstanceUsed) {
		t.Errorf("expected ErrInstanceUsed, got %v", second.Err)
	}
}

func TestKeyValueMissReturnsNotFound(t *testing.T) {
	tmpl := prepare(t, wasmtest.Calls(
		wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: `{"bucket":"b","key":"missing"}`},
	), kvLinker(t, newMemKV()))

	res := tmpl.Run(context.Background(), executor.Request{})
	if !res.OK() {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
	if res.Calls != 1 {
		t.Errorf("calls = %d", res.Calls)
	}

	lines := responses(t, res.Output)
	_, err := executor.DecodeResponse([]byte(lines[0]))
	if fault.CodeOf(err) != fault.CodeNotFound {
		t.Errorf("expected not_found, got %v (raw %s)", err, lines[0])
	}
}

func TestKeyValueRoundTrip(t *testing.T) {
	kv := newMemKV()
	tmpl := prepare(t, wasmtest.Calls(
		wasmtest.HostCall{Interface: "keyvalue", Operation: "set", Args: `{"bucket":"b","key":"k","value":"aGVsbG8="}`},
		wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: `{"bucket":"b","key":"k"}`},
		wasmtest.HostCall{Interface: "keyvalue", Operation: "exists", Args: `{"bucket":"b","key":"k"}`},
		wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: `not json`},
	), kvLinker(t, kv))

	res := tmpl.Run(context.Background(), executor.Request{})
	if !res.OK() {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}

	lines := responses(t, res.Output)
	if len(lines) != 4 {
		t.Fatalf("expected 4 responses, got %d: %q", len(lines), res.Output)
	}

	data, err := executor.DecodeResponse([]byte(lines[1]))
	if err != nil {
		t.Fatal(err)
	}
	var got host.ValueResult
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if string(got.Value) != "hello" {
		t.Errorf("value = %q", got.Value)
	}

	if lines[2] != `{"data":true}` {
		t.Errorf("exists response = %s", lines[2])
	}

	if _, err := executor.DecodeResponse([]byte(lines[3])); fault.CodeOf(err) != fault.CodeInvalidArgument {
		t.Errorf("expected invalid_argument, got %v", err)
	}

	if v, _ := kv.Get(context.Background(), "b", "k"); !bytes.Equal(v, []byte("hello")) {
		t.Errorf("backend value = %q", v)
	}
}

func TestHostCallPanicFailsOnlyThatInstance(t *testing.T) {
	l := host.NewLinker()
	for _, op := range host.KeyValueInterface.Operations {
		op := op
		err := l.Define(host.Binding{
			Interface: "keyvalue", Operation: op, Backend: "broken",
			Func: func(ctx context.Context, args []byte) (any, error) {
				if op == "get" {
					panic("backend bug")
				}
				return true, nil
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	wasm := wasmtest.Calls(
		wasmtest.HostCall{Interface: "keyvalue", Operation: "exists", Args: `{}`},
		wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: `{}`},
	)
	tmpl := prepare(t, wasm, l)

	res := tmpl.Run(context.Background(), executor.Request{})
	if res.State != executor.StateFailed {
		t.Fatalf("state = %v", res.State)
	}
	if !res.IsPanic() {
		t.Errorf("expected panic fault, got %v", res.Err)
	}

	// The template stays usable for later instances.
	again := tmpl.Run(context.Background(), executor.Request{})
	if !again.IsPanic() {
		t.Errorf("second instance: %v", again.Err)
	}
}

func TestHangingHostCallBoundedByGrace(t *testing.T) {
	release := make(chan struct{})

	l := host.NewLinker()
	for _, op := range host.KeyValueInterface.Operations {
		err := l.Define(host.Binding{
			Interface: "keyvalue", Operation: op, Backend: "stuck",
			Func: func(ctx context.Context, args []byte) (any, error) {
				<-release
				return nil, nil
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	tmpl := prepare(t, wasmtest.Calls(wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: `{}`}), l,
		executor.WithTimeout(100*time.Millisecond),
		executor.WithGrace(100*time.Millisecond))
	t.Cleanup(func() { close(release) })

	start := time.Now()
	res := tmpl.Run(context.Background(), executor.Request{})
	elapsed := time.Since(start)

	if res.State != executor.StateTimedOut {
		t.Fatalf("state = %v, err = %v", res.State, res.Err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("instance outlived deadline plus grace: %v", elapsed)
	}
}

func TestPrepareRequiresBindings(t *testing.T) {
	exec, err := executor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer exec.Close(context.Background())

	wasm := wasmtest.Calls(wasmtest.HostCall{Interface: "keyvalue", Operation: "get", Args: "{}"})
	mod, err := exec.Compile(context.Background(), wasm, []host.Interface{host.KeyValueInterface})
	if err != nil {
		t.Fatal(err)
	}

	_, err = exec.Prepare(context.Background(), mod, host.NewLinker())
	if fault.ClassOf(err) != fault.ClassConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPrepareOnce(t *testing.T) {
	exec, err := executor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer exec.Close(context.Background())

	mod, err := exec.Compile(context.Background(), wasmtest.Exit(0), nil)
	if err != nil {
		t.Fatal(err)
	}
	linker := host.NewLinker()
	if _, err := exec.Prepare(context.Background(), mod, linker); err != nil {
		t.Fatal(err)
	}
	if !linker.Frozen() {
		t.Error("Prepare must freeze the linker")
	}
	if _, err := exec.Prepare(context.Background(), mod, linker); !errors.Is(err, executor.ErrPrepared) {
		t.Errorf("expected ErrPrepared, got %v", err)
	}
}

func TestClosedExecutor(t *testing.T) {
	exec, err := executor.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := exec.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := exec.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, err := exec.Compile(context.Background(), wasmtest.Exit(0), nil); !errors.Is(err, executor.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDiskCache(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		exec, err := executor.New(executor.WithDiskCache(dir), executor.WithMemoryLimit(executor.MemoryLimit16MB))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := exec.Compile(context.Background(), wasmtest.Echo(), nil); err != nil {
			t.Fatal(err)
		}
		exec.Close(context.Background())
	}
}

func TestOutputLimit(t *testing.T) {
	tmpl := prepare(t, wasmtest.Echo(), nil, executor.WithMaxOutput(4))

	res := tmpl.Run(context.Background(), executor.Request{Payload: []byte("abcdefgh")})
	if !res.OK() {
		t.Fatal(res.Err)
	}
	if string(res.Output) != "abcd" || !res.Truncated {
		t.Errorf("output = %q truncated = %v", res.Output, res.Truncated)
	}
}
