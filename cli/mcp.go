// ABOUTME: MCP server and HTTP API subcommands
// ABOUTME: Serve the broadcast tools on stdio, or the JSON API on a TCP address

package cli

import (
	"context"
	"flag"

	"github.com/harperreed/broadcast/config"
	"github.com/harperreed/broadcast/handlers"
	"github.com/harperreed/broadcast/web"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// MCPCommand starts the MCP server on stdio.
func MCPCommand(ctx context.Context, app *config.App, version string) error {
	app.Logger.Info("starting MCP server", zap.String("version", version))
	server := handlers.NewServer(app, version)
	return server.Run(ctx, &mcp.StdioTransport{})
}

// ServeCommand runs the HTTP API until ctx is cancelled.
func ServeCommand(ctx context.Context, app *config.App, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", app.Config.HTTP.Addr, "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return web.NewServer(app).Start(ctx, *addr)
}
