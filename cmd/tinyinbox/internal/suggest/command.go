package suggest

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal"
	"github.com/tinyland-inc/tinyinbox/pkg/api"
	"github.com/tinyland-inc/tinyinbox/pkg/auth"
	"github.com/tinyland-inc/tinyinbox/pkg/suggest"
)

func NewSuggestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <conversation-id>",
		Short: "Draft a reply for a conversation with Claude",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			if !cfg.Suggest.Enabled || cfg.Suggest.APIKey == "" {
				return errors.New("suggestions are disabled; set suggest.enabled and suggest.api_key in the config")
			}

			cred, err := internal.LoadCredential(cfg)
			if err != nil {
				return err
			}
			client := api.NewClient(cfg.API.BaseURL, auth.TokenSource(cred))

			summary, err := client.Conversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			thread, err := client.FetchMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			s := suggest.NewSuggester(cfg.Suggest.APIKey, cfg.Suggest.Model)
			draft, err := s.Draft(cmd.Context(), summary, thread)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), draft)
			return nil
		},
	}
}
