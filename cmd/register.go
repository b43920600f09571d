package cmd

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"

	"github.com/xrchz/xrbots/bot"
)

var registerCmd = &cobra.Command{
	Use:       "register vessel|lsd",
	Short:     "Registers (overwrites) a bot's slash command with discord",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{botVessel, botLSD},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		command, closeCommand, err := newCommand(ctx, args[0])
		if err != nil {
			return err
		}
		defer closeCommand()

		b, err := bot.New(cfg, command)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		registered, err := b.RegisterCommands(discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, c := range registered {
			fmt.Fprintf(out, "registered /%s (id %s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
