// Command imgsrv runs the per-project image service and its operator tools.
package main

import (
	"os"

	"github.com/kilupskalvis/imgsrv/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
