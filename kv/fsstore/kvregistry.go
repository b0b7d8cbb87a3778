package fsstore

import (
	"flag"
	"fmt"
	"os"

	"github.com/provide-io/tofusoup-go/kv"
	"github.com/provide-io/tofusoup-go/kv/kvregistry"
)

// EnvRoot overrides the default store directory when the flag is not set.
const EnvRoot = "SOUP_KV_ROOT"

var (
	flagRoot string
)

func init() {
	kvregistry.MustRegister(kvregistry.Backend{
		Name:        "fs",
		Description: "Filesystem store (one file per key under a root directory)",
		Usage:       kvregistry.UsageCLI | kvregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagRoot, "fs-root", "", "Store directory (for --backend=fs); defaults to $"+EnvRoot)
		},
		Open: func() (kv.Store, func() error, error) {
			root := flagRoot
			if root == "" {
				root = os.Getenv(EnvRoot)
			}
			if root == "" {
				return nil, nil, fmt.Errorf("missing --fs-root and $%s is unset", EnvRoot)
			}
			s, err := New(root)
			return s, nil, err
		},
	})
}
