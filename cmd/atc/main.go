// Command atc runs the automatic tool changer server and maintains the
// pocket table.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
