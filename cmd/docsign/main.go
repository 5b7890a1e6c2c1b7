// Command docsign is a CLI tool for document signing and verification.
//
// Usage:
//
//	docsign <command> [options] <args>
//
// Commands:
//
//	sign     Sign a document with a digital signature
//	verify   Verify the digital signature(s) of a document
//	version  Show version information
//	help     Show help message
//
// Examples:
//
//	# Sign a document at long-term level
//	docsign sign -config signer.yaml -level LONG_TERM input.bin output.bin
//
//	# Verify a document
//	docsign verify -config signer.yaml document.bin
//
//	# Verify with JSON output
//	docsign verify -json document.bin
package main

import (
	"log/slog"
	"os"

	"github.com/georgepadayatti/docsign/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/docsign
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	level := slog.LevelWarn
	if os.Getenv("DOCSIGN_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Set version info
	cli.Version = version
	cli.BuildTime = buildTime

	// Run the CLI
	cli.Run(os.Args)
}
