// Command diamondctl plans and applies diamondCut upgrades from a CUE
// diamond configuration.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/diamondcut/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()

	// Commands report their own failures; cobra usage errors are silenced.
	var exitErr *cli.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
