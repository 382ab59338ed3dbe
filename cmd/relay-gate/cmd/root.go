// Package cmd provides the CLI commands for Relay Gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/relaygate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relay-gate",
	Short: "Relay Gate - multi-tenant agent event relay",
	Long: `Relay Gate multiplexes front-end sessions onto per-tenant agent-manager
event channels.

A front-end opens one websocket session, selects a tenant, and the gateway
keeps a single authenticated link to that tenant open on its behalf:
forwarding requests, replaying agent logins after reconnection, and
relaying events back.

Quick start:
  1. Create a config file: relay-gate.yaml
  2. Run: relay-gate start

Configuration:
  Config is loaded from relay-gate.yaml in the current directory,
  $HOME/.relay-gate/, or /etc/relay-gate/.

  Environment variables can override config values with the RELAY_GATE_ prefix.
  Example: RELAY_GATE_SERVER_HTTP_ADDR=:9090

Commands:
  start        Start the gateway
  stop         Stop the running gateway
  hash-key     Generate an argon2id hash for an API key
  seal-secret  Seal a tenant secret with secrets.key
  version      Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./relay-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
