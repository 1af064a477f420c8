package host

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/caffeineduck/harbor/fault"
)

// DefaultSubscribeTimeout bounds a guest subscribe call that names no timeout.
const DefaultSubscribeTimeout = 5 * time.Second

// Bind defines one binding per operation of iface, dispatching to backend.
// The backend must implement the interface's capability; otherwise a
// configuration error is returned and nothing is defined.
func Bind(l *Linker, iface Interface, backendName string, backend any) error {
	var ops map[string]Func

	switch iface.Name {
	case KeyValueInterface.Name:
		kv, ok := backend.(KeyValue)
		if !ok {
			return missingCapability(iface, backendName, backend)
		}
		ops = keyValueOps(kv)
	case MessagingInterface.Name:
		m, ok := backend.(Messaging)
		if !ok {
			return missingCapability(iface, backendName, backend)
		}
		ops = messagingOps(m)
	case BlobStoreInterface.Name:
		bs, ok := backend.(BlobStore)
		if !ok {
			return missingCapability(iface, backendName, backend)
		}
		ops = blobStoreOps(bs)
	case SQLInterface.Name:
		s, ok := backend.(SQL)
		if !ok {
			return missingCapability(iface, backendName, backend)
		}
		ops = sqlOps(s)
	case VaultInterface.Name:
		v, ok := backend.(Vault)
		if !ok {
			return missingCapability(iface, backendName, backend)
		}
		ops = vaultOps(v)
	default:
		return fault.Configuration(backendName, "unknown interface %q", iface.Name)
	}

	bindings := make([]Binding, 0, len(iface.Operations))
	for _, op := range iface.Operations {
		fn, ok := ops[op]
		if !ok {
			return fault.Configuration(backendName, "interface %s has no dispatcher for %s", iface.Name, op)
		}
		bindings = append(bindings, Binding{Interface: iface.Name, Operation: op, Backend: backendName, Func: fn})
	}
	return l.DefineAll(bindings...)
}

func missingCapability(iface Interface, name string, backend any) error {
	return fault.Configuration(name, "backend %T does not implement interface %s", backend, iface.Name)
}

// decode unmarshals the argument document into T.
func decode[T any](args []byte) (T, error) {
	var v T
	if len(args) == 0 {
		return v, fault.InvalidArgument("empty argument document")
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fault.InvalidArgument("malformed arguments: %v", err)
	}
	return v, nil
}

func require(field, value string) error {
	if value == "" {
		return fault.InvalidArgument("%s is required", field)
	}
	return nil
}

func keyValueOps(kv KeyValue) map[string]Func {
	key := func(args []byte) (KeyArgs, error) {
		a, err := decode[KeyArgs](args)
		if err != nil {
			return a, err
		}
		if err := require("bucket", a.Bucket); err != nil {
			return a, err
		}
		return a, require("key", a.Key)
	}

	return map[string]Func{
		"get": func(ctx context.Context, args []byte) (any, error) {
			a, err := key(args)
			if err != nil {
				return nil, err
			}
			v, err := kv.Get(ctx, a.Bucket, a.Key)
			if err != nil {
				return nil, err
			}
			return ValueResult{Value: v}, nil
		},
		"set": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[SetArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("bucket", a.Bucket); err != nil {
				return nil, err
			}
			if err := require("key", a.Key); err != nil {
				return nil, err
			}
			if a.TTLMs < 0 {
				return nil, fault.InvalidArgument("ttl_ms must not be negative")
			}
			return nil, kv.Set(ctx, a.Bucket, a.Key, a.Value, time.Duration(a.TTLMs)*time.Millisecond)
		},
		"delete": func(ctx context.Context, args []byte) (any, error) {
			a, err := key(args)
			if err != nil {
				return nil, err
			}
			return nil, kv.Delete(ctx, a.Bucket, a.Key)
		},
		"exists": func(ctx context.Context, args []byte) (any, error) {
			a, err := key(args)
			if err != nil {
				return nil, err
			}
			return kv.Exists(ctx, a.Bucket, a.Key)
		},
		"keys": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[KeysArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("bucket", a.Bucket); err != nil {
				return nil, err
			}
			keys, err := kv.Keys(ctx, a.Bucket, a.Prefix)
			if err != nil {
				return nil, err
			}
			if keys == nil {
				keys = []string{}
			}
			return keys, nil
		},
	}
}

func messagingOps(m Messaging) map[string]Func {
	return map[string]Func{
		"publish": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[PublishArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("topic", a.Topic); err != nil {
				return nil, err
			}
			return nil, m.Publish(ctx, a.Topic, a.Payload)
		},
		"subscribe": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[SubscribeArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("topic", a.Topic); err != nil {
				return nil, err
			}
			return ReceiveOne(ctx, m, a.Topic, time.Duration(a.TimeoutMs)*time.Millisecond)
		},
	}
}

// ReceiveOne opens a subscription on topic, waits up to timeout for one
// message and closes the subscription. Nothing arriving in time is reported
// as not_found.
func ReceiveOne(ctx context.Context, m Messaging, topic string, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = DefaultSubscribeTimeout
	}

	sub, err := m.Subscribe(ctx, topic)
	if err != nil {
		return Message{}, err
	}
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := sub.Next(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Message{}, fault.NotFound("no message on topic %q within %v", topic, timeout)
		}
		return Message{}, err
	}
	return msg, nil
}

func blobStoreOps(bs BlobStore) map[string]Func {
	ref := func(args []byte) (BlobArgs, error) {
		a, err := decode[BlobArgs](args)
		if err != nil {
			return a, err
		}
		if err := require("container", a.Container); err != nil {
			return a, err
		}
		return a, require("name", a.Name)
	}

	return map[string]Func{
		"put": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[BlobPutArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("container", a.Container); err != nil {
				return nil, err
			}
			if err := require("name", a.Name); err != nil {
				return nil, err
			}
			return nil, bs.Put(ctx, a.Container, a.Name, a.Data)
		},
		"get": func(ctx context.Context, args []byte) (any, error) {
			a, err := ref(args)
			if err != nil {
				return nil, err
			}
			return bs.Get(ctx, a.Container, a.Name)
		},
		"delete": func(ctx context.Context, args []byte) (any, error) {
			a, err := ref(args)
			if err != nil {
				return nil, err
			}
			return nil, bs.Delete(ctx, a.Container, a.Name)
		},
		"exists": func(ctx context.Context, args []byte) (any, error) {
			a, err := ref(args)
			if err != nil {
				return nil, err
			}
			return bs.Exists(ctx, a.Container, a.Name)
		},
		"list": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[BlobListArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("container", a.Container); err != nil {
				return nil, err
			}
			infos, err := bs.List(ctx, a.Container, a.Prefix)
			if err != nil {
				return nil, err
			}
			if infos == nil {
				infos = []BlobInfo{}
			}
			return infos, nil
		},
	}
}

func sqlOps(s SQL) map[string]Func {
	statement := func(args []byte) (StatementArgs, error) {
		a, err := decode[StatementArgs](args)
		if err != nil {
			return a, err
		}
		if err := require("database", a.Database); err != nil {
			return a, err
		}
		return a, require("statement", a.Statement)
	}

	return map[string]Func{
		"query": func(ctx context.Context, args []byte) (any, error) {
			a, err := statement(args)
			if err != nil {
				return nil, err
			}
			rows, err := s.Query(ctx, a.Database, a.Statement, a.Params)
			if err != nil {
				return nil, err
			}
			if rows == nil {
				rows = []Row{}
			}
			return rows, nil
		},
		"exec": func(ctx context.Context, args []byte) (any, error) {
			a, err := statement(args)
			if err != nil {
				return nil, err
			}
			n, err := s.Exec(ctx, a.Database, a.Statement, a.Params)
			if err != nil {
				return nil, err
			}
			return ExecResult{Affected: n}, nil
		},
	}
}

func vaultOps(v Vault) map[string]Func {
	return map[string]Func{
		"issue": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[IssueArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("subject", a.Subject); err != nil {
				return nil, err
			}
			return v.Issue(ctx, a)
		},
		"validate": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[ValidateArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("token", a.Token); err != nil {
				return nil, err
			}
			return v.Validate(ctx, a.Token)
		},
		"get_secret": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[SecretArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("name", a.Name); err != nil {
				return nil, err
			}
			return v.GetSecret(ctx, a.Name)
		},
		"put_secret": func(ctx context.Context, args []byte) (any, error) {
			a, err := decode[PutSecretArgs](args)
			if err != nil {
				return nil, err
			}
			if err := require("name", a.Name); err != nil {
				return nil, err
			}
			return nil, v.PutSecret(ctx, a.Name, a.Value)
		},
	}
}
