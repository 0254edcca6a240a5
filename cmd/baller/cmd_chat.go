// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/baller/services/config"
	"github.com/AleutianAI/baller/services/transport"
)

// chatStream holds the --stream flag value.
var chatStream bool

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run the pipeline locally against stdin",
		Long: `Run the full message pipeline in-process, without the HTTP server.

With a message argument, answers once and exits. Without one, reads
messages from stdin until EOF or "exit". The same conversation id is
kept for the whole session, so follow-up questions resolve references
("how about their next match?") against earlier turns.`,
		RunE: runChatCommand,
	}
	cmd.Flags().BoolVar(&chatStream, "stream", false, "Stream the response incrementally")
	return cmd
}

func runChatCommand(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Quiet the structured log so the conversation is readable.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.sports != nil {
		fmt.Println("Warming team dictionary...")
		a.warmTeamDictionary(context.Background())
	}

	convoID := uuid.NewString()
	userID := "local"

	if len(args) > 0 {
		return chatOnce(a, convoID, userID, strings.Join(args, " "))
	}

	fmt.Println("Type a message and press enter. \"exit\" quits.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			break
		}
		if err := chatOnce(a, convoID, userID, text); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

// chatOnce runs one message through the pipeline and prints the outcome.
func chatOnce(a *app, convoID, userID, text string) error {
	ctx := context.Background()

	if chatStream {
		tr := transport.NewInMemory()
		result, err := a.orch.ProcessMessageStream(ctx, convoID, userID, "local", text, tr)
		if err != nil {
			return err
		}
		if result.Suppressed {
			fmt.Println("(off-topic, no answer)")
			return nil
		}
		for _, msg := range tr.Messages() {
			fmt.Println(msg.Content)
		}
		return nil
	}

	result, err := a.orch.ProcessMessage(ctx, convoID, userID, text)
	if err != nil {
		return err
	}
	if result.Suppressed {
		fmt.Println("(off-topic, no answer)")
		return nil
	}
	fmt.Println(result.Reply)
	return nil
}
