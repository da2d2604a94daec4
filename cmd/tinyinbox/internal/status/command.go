package status

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal"
	"github.com/tinyland-inc/tinyinbox/pkg/api"
	"github.com/tinyland-inc/tinyinbox/pkg/auth"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and backend connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config:   %s\n", internal.GetConfigPath())
			fmt.Fprintf(out, "Backend:  %s\n", cfg.API.BaseURL)
			fmt.Fprintf(out, "Socket:   %s\n", cfg.Socket.URL)

			cred, err := internal.LoadCredential(cfg)
			if err != nil {
				return err
			}
			if cred == nil {
				fmt.Fprintln(out, "Auth:     anonymous")
			} else {
				fmt.Fprintln(out, "Auth:     token stored")
			}

			client := api.NewClient(cfg.API.BaseURL, auth.TokenSource(cred))
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			list, complete, err := client.Conversations(ctx, "")
			if err != nil {
				fmt.Fprintf(out, "Reach:    FAILED (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "Reach:    OK (%d conversations, complete=%v)\n", len(list), complete)
			return nil
		},
	}
}
