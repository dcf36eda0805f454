// Package cmd provides the CLI commands for AgentGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "AgentGate - containment gateway for AI agent tool calls",
	Long: `AgentGate is a containment-first security gateway that mediates every
tool invocation made by autonomous AI agents.

It decides, in real time, whether a tool call may proceed; enforces
kill-switches at session, tool, and global scope; brokers short-lived
credentials; quarantines risky sessions; and appends a tamper-evident
audit trail with signed evidence exports.

Quick start:
  1. Create a config file: agentgate.yaml
  2. Run: agentgate migrate
  3. Run: agentgate start

Configuration:
  Config is loaded from agentgate.yaml in the current directory,
  $HOME/.agentgate/, or /etc/agentgate/. Deployment environment
  variables (REDIS_URL, TRACE_DB, OPA_URL, ...) override file values.

Commands:
  start       Start the gateway
  migrate     Apply trace store schema migrations
  hash-key    Generate an argon2id hash for the legacy admin key
  version     Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
