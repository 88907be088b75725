// ABOUTME: Sync subcommand routing for the Charm Cloud backend
// ABOUTME: Only available when the store backend is charm

package cli

import (
	"fmt"
	"io"

	"github.com/harperreed/broadcast/charm"
	"github.com/harperreed/broadcast/config"
)

// SyncCommand routes `broadcast sync <status|now|auto|wipe>`.
func SyncCommand(app *config.App, out io.Writer, args []string) error {
	client, ok := app.Store.(*charm.Client)
	if !ok {
		return fmt.Errorf("sync requires the charm store backend (current: %s)", app.Config.Store.Backend)
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: broadcast sync <status|now|auto|wipe>")
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "status":
		return charm.SyncStatusCommand(client, out, rest)
	case "now":
		return charm.SyncNowCommand(client, out, rest)
	case "auto":
		return charm.SetAutoSyncCommand(client, out, rest)
	case "wipe":
		return charm.SyncWipeCommand(client, out, rest)
	default:
		return fmt.Errorf("unknown sync command: %s", sub)
	}
}
