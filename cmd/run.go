package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xrchz/xrbots/bot"
	"github.com/xrchz/xrbots/chain"
)

const (
	botVessel = "vessel"
	botLSD    = "lsd"
)

var runCmd = &cobra.Command{
	Use:       "run vessel|lsd",
	Short:     "Serves a bot's slash command on the webhook server",
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
		if err = b.Run(ctx); err != nil {
			return fmt.Errorf("error running %s bot: %w", args[0], err)
		}
		return nil
	},
}

// newCommand builds the named bot's command, and a func releasing
// anything it holds open
func newCommand(ctx context.Context, name string) (bot.Command, func(), error) {
	switch name {
	case botVessel:
		command, err := bot.NewVesselCommand(cfg)
		return command, func() {}, err
	case botLSD:
		client, err := chain.Dial(ctx, cfg.LSD.RPC)
		if err != nil {
			return nil, nil, err
		}
		command, err := bot.NewLSDCommand(cfg, client)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return command, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bot %q", name)
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
