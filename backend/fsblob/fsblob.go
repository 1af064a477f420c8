// Package fsblob is a blobstore backend over a local directory tree. Each
// container is a directory under the root; blob names may contain slashes
// and map to nested paths inside their container.
package fsblob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/fault"
	"github.com/caffeineduck/harbor/host"
	"github.com/caffeineduck/harbor/settings"
)

const Kind = "fsblob"

type Options struct {
	Root     string `env:"BLOB_ROOT" required:"true"`
	Create   bool   `env:"BLOB_CREATE" default:"true"`
	ReadOnly bool   `env:"BLOB_READ_ONLY" default:"false"`
}

type Store struct {
	root     string
	readOnly bool
}

func Factory(_ context.Context, cfg backend.Config) (backend.Backend, error) {
	var opts Options
	if err := settings.Resolve(cfg.Name, cfg.Settings, &opts); err != nil {
		return nil, err
	}
	s, err := Open(opts)
	if err != nil {
		return nil, fault.Connection(cfg.Name, err)
	}
	return s, nil
}

// Open checks that the root directory exists, creating it when allowed.
func Open(opts Options) (*Store, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist) && opts.Create && !opts.ReadOnly:
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case !info.IsDir():
		return nil, errors.New(root + " is not a directory")
	}
	return &Store{root: root, readOnly: opts.ReadOnly}, nil
}

func (s *Store) Interfaces() []string { return []string{"blobstore"} }

func (s *Store) Close(context.Context) error { return nil }

// resolve maps a container and blob name to a host path inside the root.
func (s *Store) resolve(container, name string) (string, error) {
	dir, err := s.containerDir(container)
	if err != nil {
		return "", err
	}
	clean := path.Clean("/" + name)
	if name == "" || clean == "/" {
		return "", fault.InvalidArgument("blob name is empty")
	}

	p := filepath.Join(dir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fault.Operation(fault.CodePermissionDenied, "blob name %q escapes its container", name)
	}
	return p, nil
}

func (s *Store) containerDir(container string) (string, error) {
	if container == "" || container == "." || container == ".." || strings.ContainsAny(container, `/\`) {
		return "", fault.InvalidArgument("invalid container name %q", container)
	}
	return filepath.Join(s.root, container), nil
}

func (s *Store) Put(ctx context.Context, container, name string, data []byte) error {
	if s.readOnly {
		return fault.Operation(fault.CodePermissionDenied, "blob store is read-only")
	}
	p, err := s.resolve(container, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (s *Store) Get(ctx context.Context, container, name string) ([]byte, error) {
	p, err := s.resolve(container, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.NotFound("blob %s/%s not found", container, name)
	}
	return data, err
}

func (s *Store) Delete(ctx context.Context, container, name string) error {
	if s.readOnly {
		return fault.Operation(fault.CodePermissionDenied, "blob store is read-only")
	}
	p, err := s.resolve(container, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, container, name string) (bool, error) {
	p, err := s.resolve(container, name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *Store) List(ctx context.Context, container, prefix string) ([]host.BlobInfo, error) {
	dir, err := s.containerDir(container)
	if err != nil {
		return nil, err
	}

	out := []host.BlobInfo{}
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, host.BlobInfo{
			Container: container,
			Name:      name,
			Size:      info.Size(),
			Modified:  info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
