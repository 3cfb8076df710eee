// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command urbit-irc-bridge relays messages between Urbit chats and IRC
// channels. Every configured Urbit chat is polled through the ship's HTTP
// API and mirrored into its IRC channel, and IRC lines are posted back to
// the chat with the speaker's nick.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fitnub-bosbud/UrbitIrcBridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const version = "0.1.0"

func newRootCommand() *cobra.Command {
	var exampleConfig bool
	cmd := &cobra.Command{
		Use:     "urbit-irc-bridge [config-path]",
		Short:   "An Urbit-IRC relay bridge",
		Version: fmt.Sprintf("%s (tag %s, commit %s, built %s)", version, Tag, Commit, BuildTime),
		Args:    cobra.MaximumNArgs(1),
		Example: "urbit-irc-bridge /etc/urbit-irc-bridge/config.yaml",

		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if exampleConfig {
				_, err := fmt.Fprint(cmd.OutOrStdout(), connector.ExampleConfig)
				return err
			}
			path := "config.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			return run(cmd.Context(), path)
		},
	}
	cmd.Flags().BoolVar(&exampleConfig, "example-config", false, "print an example config file and exit")
	return cmd
}

func run(ctx context.Context, path string) error {
	cfg, err := connector.LoadConfig(path)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	log.Info().Str("version", version).Str("commit", Commit).Str("config", path).Msg("Starting urbit-irc-bridge")

	c, err := connector.New(cfg, *log)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

func main() {
	// A .env file is optional.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
