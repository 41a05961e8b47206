// Command voicelock administers a voicelock deployment's voiceprint store
// directly, without going through the daemon.
//
// Usage:
//
//	voicelock [--config file] <command> [args]
//
// Commands:
//
//	list       - List enrolled identities
//	register   - Enroll an identity from an audio file
//	verify     - Score an audio file against an enrolled identity
//	delete     - Remove an identity's voiceprint
//	events     - Show the audit trail for an identity
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/voicelock/cmd/voicelock/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
