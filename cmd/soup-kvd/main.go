// Command soup-kvd is the standalone KV probe server harness, the in-repo
// "go" runtime the matrix orchestrator launches. See internal/kvd for the
// launch contract.
package main

import (
	"os"

	"github.com/provide-io/tofusoup-go/internal/kvd"
)

func main() {
	os.Exit(kvd.Run("soup-kvd", os.Args[1:], os.Stdout, os.Stderr))
}
