package memstore

import (
	"flag"

	"github.com/provide-io/tofusoup-go/kv"
	"github.com/provide-io/tofusoup-go/kv/kvregistry"
)

func init() {
	kvregistry.MustRegister(kvregistry.Backend{
		Name:          "mem",
		Description:   "In-memory store (per-process, lost on exit)",
		Usage:         kvregistry.UsageCLI | kvregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {},
		Open: func() (kv.Store, func() error, error) {
			return New(), nil, nil
		},
	})
}
