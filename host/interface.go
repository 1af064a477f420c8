package host

import (
	"context"
	"sort"
	"strings"
	"time"
)

// ModulePrefix prefixes the wasm import module of every interface.
const ModulePrefix = "harbor:"

// Interface is the contract of an abstract service interface: its name and
// the operations a binding must provide.
type Interface struct {
	Name       string
	Operations []string
}

// Module returns the wasm import module name guests use for the interface.
func (i Interface) Module() string {
	return ModulePrefix + i.Name
}

// Has reports whether op is one of the interface's operations.
func (i Interface) Has(op string) bool {
	for _, o := range i.Operations {
		if o == op {
			return true
		}
	}
	return false
}

var (
	KeyValueInterface  = Interface{Name: "keyvalue", Operations: []string{"get", "set", "delete", "exists", "keys"}}
	MessagingInterface = Interface{Name: "messaging", Operations: []string{"publish", "subscribe"}}
	BlobStoreInterface = Interface{Name: "blobstore", Operations: []string{"put", "get", "delete", "exists", "list"}}
	SQLInterface       = Interface{Name: "sql", Operations: []string{"query", "exec"}}
	VaultInterface     = Interface{Name: "vault", Operations: []string{"issue", "validate", "get_secret", "put_secret"}}
)

var interfaces = map[string]Interface{
	KeyValueInterface.Name:  KeyValueInterface,
	MessagingInterface.Name: MessagingInterface,
	BlobStoreInterface.Name: BlobStoreInterface,
	SQLInterface.Name:       SQLInterface,
	VaultInterface.Name:     VaultInterface,
}

// Lookup finds an interface by name.
func Lookup(name string) (Interface, bool) {
	i, ok := interfaces[name]
	return i, ok
}

// LookupModule finds an interface by its wasm import module name.
func LookupModule(module string) (Interface, bool) {
	if !strings.HasPrefix(module, ModulePrefix) {
		return Interface{}, false
	}
	return Lookup(strings.TrimPrefix(module, ModulePrefix))
}

// Interfaces returns every known interface sorted by name.
func Interfaces() []Interface {
	out := make([]Interface, 0, len(interfaces))
	for _, i := range interfaces {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// KeyValue is the capability of a key-value store. Get of a missing key
// returns a not_found operation error.
type KeyValue interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Set(ctx context.Context, bucket, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Keys(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Messaging is the capability of a publish/subscribe broker.
type Messaging interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription delivers messages published to a topic after it was opened.
type Subscription interface {
	// Next blocks until a message arrives or ctx is done.
	Next(ctx context.Context) (Message, error)
	Close() error
}

// BlobStore is the capability of an object store.
type BlobStore interface {
	Put(ctx context.Context, container, name string, data []byte) error
	Get(ctx context.Context, container, name string) ([]byte, error)
	Delete(ctx context.Context, container, name string) error
	Exists(ctx context.Context, container, name string) (bool, error)
	List(ctx context.Context, container, prefix string) ([]BlobInfo, error)
}

// SQL is the capability of a SQL-like store.
type SQL interface {
	Query(ctx context.Context, database, statement string, params []Value) ([]Row, error)
	Exec(ctx context.Context, database, statement string, params []Value) (int64, error)
}

// Vault is the capability of an identity and secret service.
type Vault interface {
	Issue(ctx context.Context, args IssueArgs) (Token, error)
	Validate(ctx context.Context, token string) (Claims, error)
	GetSecret(ctx context.Context, name string) ([]byte, error)
	PutSecret(ctx context.Context, name string, value []byte) error
}
