// TinyInbox - Terminal client for the unified conversation inbox
// License: MIT
//
// Copyright (c) 2026 TinyInbox contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal"
	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal/auth"
	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal/campaign"
	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal/status"
	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal/suggest"
	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal/version"
	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal/watch"
)

func NewTinyinboxCommand() *cobra.Command {
	short := fmt.Sprintf("%s tinyinbox - Unified Conversation Inbox v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "tinyinbox",
		Short:   short,
		Example: "tinyinbox watch",
	}

	cmd.AddCommand(
		watch.NewWatchCommand(),
		auth.NewAuthCommand(),
		status.NewStatusCommand(),
		campaign.NewCampaignCommand(),
		suggest.NewSuggestCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewTinyinboxCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
