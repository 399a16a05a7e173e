// mvctl is the control CLI for a meshvault daemon.
package main

import (
	"fmt"
	"os"

	"meshvault/cmd/mvctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
