package watch

import (
	"github.com/spf13/cobra"
)

func NewWatchCommand() *cobra.Command {
	var debug bool
	var platform string

	cmd := &cobra.Command{
		Use:     "watch",
		Aliases: []string{"w"},
		Short:   "Watch the inbox and reply interactively",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return watchCmd(debug, platform)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "Show only one platform slice (facebook, instagram, whatsapp)")

	return cmd
}
