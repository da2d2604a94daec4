package campaign

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal"
	"github.com/tinyland-inc/tinyinbox/pkg/api"
	"github.com/tinyland-inc/tinyinbox/pkg/auth"
	"github.com/tinyland-inc/tinyinbox/pkg/campaign"
)

func NewCampaignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Run bulk messaging campaigns",
	}

	cmd.AddCommand(newRunCommand())

	return cmd
}

func newRunCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run <definition.json>",
		Short: "Execute a campaign definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			def := &campaign.Definition{Guardrails: campaign.DefaultGuardrails()}
			if err := json.Unmarshal(data, def); err != nil {
				return fmt.Errorf("parsing campaign definition: %w", err)
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "Campaign %q: %d recipients, rate %d/min\n",
					def.Name, len(def.Recipients), def.Guardrails.RatePerMinute)
				return nil
			}

			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			cred, err := internal.LoadCredential(cfg)
			if err != nil {
				return err
			}
			client := api.NewClient(cfg.API.BaseURL, auth.TokenSource(cred))

			runner := campaign.NewRunner(client)
			exec, err := runner.Start(cmd.Context(), def)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Campaign %q started (%d recipients)\n", def.Name, len(def.Recipients))
			for {
				time.Sleep(time.Second)
				current, err := runner.GetStatus(exec.ID)
				if err != nil {
					return err
				}
				if current.Status != campaign.StatusRunning {
					fmt.Fprintf(out, "Campaign %s: sent %d/%d\n",
						current.Status, current.Sent, len(def.Recipients))
					if current.Error != "" {
						return fmt.Errorf("campaign failed: %s", current.Error)
					}
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the definition without sending")

	return cmd
}
