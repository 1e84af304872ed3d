// Command subsync keeps a device's subscription state in sync with the
// subscription backend.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/subsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	var exitErr *cli.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
