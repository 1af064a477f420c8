package builtin

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/host"
)

func TestRegistryKinds(t *testing.T) {
	want := []string{"fsblob", "httpblob", "localvault", "membroker", "memkv", "postgres", "tablestore", "wsbroker"}
	got := Registry().Kinds()
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestConnectInProcessBackends(t *testing.T) {
	ctx := context.Background()
	specs := []backend.Spec{
		{Name: "cache", Kind: "memkv"},
		{Name: "bus", Kind: "membroker"},
		{Name: "files", Kind: "fsblob", Settings: map[string]string{"BLOB_ROOT": t.TempDir()}},
		{Name: "tables", Kind: "tablestore"},
		{Name: "vault", Kind: "localvault"},
	}
	set, err := backend.ConnectAll(ctx, Registry(), specs, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close(ctx)

	var names []string
	for _, i := range set.Interfaces() {
		names = append(names, i.Name)
	}
	if len(names) != 5 {
		t.Errorf("interfaces = %v", names)
	}

	l := host.NewLinker()
	if err := set.Bind(l); err != nil {
		t.Fatal(err)
	}
}
