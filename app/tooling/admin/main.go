// This program performs administrative tasks for the blockforge node. It
// works on the node's store directly, so the node should be stopped first.
package main

import (
	"os"

	"github.com/ardanlabs/blockforge/app/tooling/admin/cmd"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {
	if err := cmd.NewRoot(build).Execute(); err != nil {
		os.Exit(1)
	}
}
