// Command genforgectl is the operator CLI for a running genforge server. It
// talks to the /admin API with the shared admin secret.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
