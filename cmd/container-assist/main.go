// Package main implements the container-assist server binary.
//
// The server speaks MCP over stdio and optionally exposes an HTTP API for
// session inspection and progress streaming.
//
// Usage:
//
//	# Start the MCP server on stdio
//	container-assist serve
//
//	# Also expose the HTTP API
//	container-assist serve --http
//
//	# Configure via file and environment
//	container-assist serve --config /etc/container-assist.yaml
//	CONTAINER_ASSIST_SERVER_HTTP_PORT=8081 container-assist serve --http
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "container-assist",
	Short: "Containerization workflow server",
	Long: `container-assist drives repositories through analysis, image build,
vulnerability scanning, remediation, manifest generation and deployment.
It exposes the workflow as MCP tools over stdio, with an optional HTTP API.`,
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}
