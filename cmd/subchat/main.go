// Command subchat runs the subchat orchestrator and talks to a running
// instance from the terminal.
//
// The serve subcommand starts the HTTP service; everything else is a
// thin client over its REST surface, so the CLI needs nothing but the
// server address to work.
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
