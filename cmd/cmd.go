// Package cmd provides CLI commands for Folio.
//
// Commands:
//   - serve: HTTP API server with SSE chat streaming
//   - ingest: load profile facts and documents into the stores
//   - version: show version information
//
// Signal handling and graceful shutdown are implemented
// for all commands via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/folio-ai/folio/internal/log"
)

// Execute is the main entry point for the Folio CLI application.
func Execute() error {
	// Initialize logger once at entry point
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe(logger, os.Args[2:])
	case "ingest":
		return runIngest(logger, os.Args[2:])
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Folio - profile chatbot backend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  folio serve [addr]    Start HTTP API server (default: :8080)")
	fmt.Println("  folio ingest <file>   Load profile facts and documents from a JSON file")
	fmt.Println("  folio --version       Show version information")
	fmt.Println("  folio --help          Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY        Required: Gemini API key")
	fmt.Println("  DATABASE_URL          Optional: PostgreSQL connection URL")
	fmt.Println("  DEBUG                 Optional: Enable debug logging")
}
