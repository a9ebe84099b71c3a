package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	// stdout carries the protocol
	log.SetOutput(os.Stderr)
	log.Println("[MCP Checklist Server] Starting progress checklist MCP server v1.0.0")

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "progress-checklist-server",
		Version: "v1.0.0",
	}, nil)
	registerTools(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("[MCP Checklist Server] Starting on stdio transport...")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("[MCP Checklist Server] Server error: %v", err)
	}
	log.Println("[MCP Checklist Server] Server stopped gracefully")
}

func registerTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "extract_checklist",
		Description: "Read the Progress Tracking checklist from a pull request description and derive the work item status",
	}, HandleExtract)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "render_checklist",
		Description: "Rewrite the Progress Tracking checklist of a pull request description with the given items checked",
	}, HandleRender)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "derive_status",
		Description: "Derive the work item status for a set of checked checklist items",
	}, HandleDerive)
}
