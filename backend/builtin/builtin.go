// Package builtin registers every backend kind that ships with harbor.
package builtin

import (
	"github.com/caffeineduck/harbor/backend"
	"github.com/caffeineduck/harbor/backend/fsblob"
	"github.com/caffeineduck/harbor/backend/httpblob"
	"github.com/caffeineduck/harbor/backend/localvault"
	"github.com/caffeineduck/harbor/backend/membroker"
	"github.com/caffeineduck/harbor/backend/memkv"
	"github.com/caffeineduck/harbor/backend/postgres"
	"github.com/caffeineduck/harbor/backend/tablestore"
	"github.com/caffeineduck/harbor/backend/wsbroker"
)

// Registry returns a registry holding all built-in backend kinds.
func Registry() *backend.Registry {
	r := backend.NewRegistry()
	r.Register(memkv.Kind, memkv.Factory)
	r.Register(membroker.Kind, membroker.Factory)
	r.Register(wsbroker.Kind, wsbroker.Factory)
	r.Register(fsblob.Kind, fsblob.Factory)
	r.Register(httpblob.Kind, httpblob.Factory)
	r.Register(postgres.Kind, postgres.Factory)
	r.Register(tablestore.Kind, tablestore.Factory)
	r.Register(localvault.Kind, localvault.Factory)
	return r
}
