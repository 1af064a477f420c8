package fsblob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/settings"
)

func open(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGet(t *testing.T) {
	s := open(t, Options{})
	ctx := context.Background()

	if err := s.Put(ctx, "docs", "reports/q1.txt", []byte("hello world")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	data, err := s.Get(ctx, "docs", "reports/q1.txt")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("expected 'hello world', got %q", data)
	}

	// overwrite
	s.Put(ctx, "docs", "reports/q1.txt", []byte("v2"))
	data, _ = s.Get(ctx, "docs", "reports/q1.txt")
	if string(data) != "v2" {
		t.Errorf("expected 'v2', got %q", data)
	}
}

func TestGetMissing(t *testing.T) {
	s := open(t, Options{})
	_, err := s.Get(context.Background(), "docs", "nope")
	if fault.CodeOf(err) != fault.CodeNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	s := open(t, Options{})
	ctx := context.Background()

	s.Put(ctx, "c", "a/b", []byte("x"))

	if ok, _ := s.Exists(ctx, "c", "a/b"); !ok {
		t.Error("expected blob to exist")
	}
	// directories are not blobs
	if ok, _ := s.Exists(ctx, "c", "a"); ok {
		t.Error("directory reported as a blob")
	}

	if err := s.Delete(ctx, "c", "a/b"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "c", "a/b"); err != nil {
		t.Errorf("second delete: %v", err)
	}
	if ok, _ := s.Exists(ctx, "c", "a/b"); ok {
		t.Error("blob still exists after delete")
	}
}

func TestList(t *testing.T) {
	s := open(t, Options{})
	ctx := context.Background()

	s.Put(ctx, "c", "logs/2.txt", []byte("22"))
	s.Put(ctx, "c", "logs/1.txt", []byte("1"))
	s.Put(ctx, "c", "other.txt", []byte("333"))
	s.Put(ctx, "elsewhere", "logs/x", []byte("x"))

	blobs, err := s.List(ctx, "c", "logs/")
	if err != nil {
		t.Fatal(err)
	}
	if len(blobs) != 2 {
		t.Fatalf("expected 2 blobs, got %+v", blobs)
	}
	if blobs[0].Name != "logs/1.txt" || blobs[1].Name != "logs/2.txt" {
		t.Errorf("unexpected order: %+v", blobs)
	}
	if blobs[1].Size != 2 || blobs[1].Container != "c" || blobs[1].Modified.IsZero() {
		t.Errorf("unexpected metadata: %+v", blobs[1])
	}

	empty, err := s.List(ctx, "missing", "")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("missing container: %#v, %v", empty, err)
	}
}

func TestPathEscape(t *testing.T) {
	root := t.TempDir()
	s := open(t, Options{Root: filepath.Join(root, "blobs"), Create: true})
	ctx := context.Background()

	// dot segments are resolved inside the container
	if err := s.Put(ctx, "c", "../../outside.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "outside.txt")); !os.IsNotExist(err) {
		t.Fatal("blob escaped the root")
	}
	if _, err := os.Stat(filepath.Join(root, "blobs", "c", "outside.txt")); err != nil {
		t.Errorf("blob not stored inside its container: %v", err)
	}

	for _, name := range []string{"outside.txt", "a/../../outside.txt", "/../outside.txt", "./outside.txt"} {
		data, err := s.Get(ctx, "c", name)
		if err != nil || string(data) != "x" {
			t.Errorf("Get(%q) = %q, %v", name, data, err)
		}
	}
	for _, name := range []string{"..", "a/..", "/"} {
		if _, err := s.Get(ctx, "c", name); fault.CodeOf(err) != fault.CodeInvalidArgument {
			t.Errorf("Get(%q): %v", name, err)
		}
	}
	if _, err := s.Get(ctx, "..", "blobs/c/outside.txt"); fault.CodeOf(err) != fault.CodeInvalidArgument {
		t.Errorf("container escape: %v", err)
	}

	for _, container := range []string{"", "..", "a/b", `a\b`} {
		if err := s.Put(ctx, container, "x", nil); fault.CodeOf(err) != fault.CodeInvalidArgument {
			t.Errorf("container %q: %v", container, err)
		}
	}
	if err := s.Put(ctx, "c", "", nil); fault.CodeOf(err) != fault.CodeInvalidArgument {
		t.Errorf("empty name: %v", err)
	}
}

func TestReadOnly(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "c"), 0o755)
	os.WriteFile(filepath.Join(dir, "c", "test.txt"), []byte("hello"), 0o644)

	s := open(t, Options{Root: dir, ReadOnly: true})
	ctx := context.Background()

	data, err := s.Get(ctx, "c", "test.txt")
	if err != nil || string(data) != "hello" {
		t.Fatalf("read failed: %q, %v", data, err)
	}
	if err := s.Put(ctx, "c", "test.txt", []byte("modified")); fault.CodeOf(err) != fault.CodePermissionDenied {
		t.Errorf("expected write to fail on read-only store, got %v", err)
	}
	if err := s.Delete(ctx, "c", "test.txt"); fault.CodeOf(err) != fault.CodePermissionDenied {
		t.Errorf("expected delete to fail on read-only store, got %v", err)
	}
}

func TestFactory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "new")

	b, err := Factory(context.Background(), backend.Config{Name: "files", Settings: settings.Map{"BLOB_ROOT": dir}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("root not created: %v", err)
	}
	if b.Interfaces()[0] != "blobstore" {
		t.Errorf("interfaces = %v", b.Interfaces())
	}

	_, err = Factory(context.Background(), backend.Config{Name: "files", Settings: settings.Map{}})
	if fault.ClassOf(err) != fault.ClassConfiguration {
		t.Errorf("missing root: %v", err)
	}

	missing := filepath.Join(t.TempDir(), "absent")
	_, err = Factory(context.Background(), backend.Config{Name: "files", Settings: settings.Map{"BLOB_ROOT": missing, "BLOB_CREATE": "false"}})
	if fault.ClassOf(err) != fault.ClassConnection {
		t.Errorf("absent root: %v", err)
	}
}
