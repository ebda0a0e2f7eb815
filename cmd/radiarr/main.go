// Command radiarr runs the resilient live radio streaming engine.
package main

import (
	"os"

	"github.com/jmylchreest/radiarr/cmd/radiarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
