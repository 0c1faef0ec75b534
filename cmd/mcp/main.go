// Command mcp serves the escrow operator API as MCP tools over stdio.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/voucherescrow/internal/logging"
	"github.com/mbd888/voucherescrow/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	// stdout carries the MCP protocol; logs go to stderr.
	logger, _ := logging.NewWithOptions(logging.Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: "json",
		Output: os.Stderr,
	})

	cfg := mcpserver.Config{
		APIURL:      os.Getenv("ESCROW_API_URL"),
		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.AdminSecret == "" {
		logger.Warn("ADMIN_SECRET not set; requests succeed only against an open API")
	}
	logger.Info("mcp server starting", "version", Version, "api", cfg.APIURL)

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg, Version)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
