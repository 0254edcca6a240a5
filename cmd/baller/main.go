// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command baller runs the football conversation assistant.
//
// The serve subcommand starts the HTTP API; chat runs the same pipeline
// locally against stdin for quick manual testing.
//
// Usage:
//
//	baller serve
//	baller serve --config baller.yaml
//	baller chat
//	baller chat "who tops the premier league table?"
//
// Credentials come from the environment only:
//
//	ANTHROPIC_API_KEY / DEEPSEEK_API_KEY  (generation + filtering)
//	FOOTBALL_DATA_API_KEY                 (live match data; optional)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath holds the --config flag value for all subcommands.
var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "baller",
		Short:         "Football conversation assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (defaults apply when empty)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newChatCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
