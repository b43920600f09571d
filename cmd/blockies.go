package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/xrchz/xrbots/blockies"
	"github.com/xrchz/xrbots/bot"
	"github.com/xrchz/xrbots/chain"
)

var blockiesCmd = &cobra.Command{
	Use:   "blockies",
	Short: "Posts identicons for addresses from the address channel",
}

var blockiesVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Matches the latest payment message against known addresses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRunner(
			cmd.Context(), func(ctx context.Context, r *blockies.Runner) error {
				items, err := r.Verify(ctx)
				out := cmd.OutOrStdout()
				for _, item := range items {
					status := "ok"
					if item.Reason != "" {
						status = item.Reason
					}
					fmt.Fprintf(out, "%s: %s\n", status, item.Line)
				}
				return err
			},
		)
	},
}

var blockiesAnnounceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Posts every address that hasn't been announced yet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRunner(
			cmd.Context(), func(ctx context.Context, r *blockies.Runner) error {
				announced, err := r.Announce(ctx)
				out := cmd.OutOrStdout()
				for _, icon := range announced {
					fmt.Fprintf(out, "announced %s for %s\n", icon.Address.Hex(), icon.UserName)
				}
				return err
			},
		)
	},
}

func validateBlockiesConfig(c *bot.BlockiesConfig) error {
	var errs []error
	if c.AddressChannelID == "" {
		errs = append(errs, errors.New("blockies.address_channel_id is required"))
	}
	if c.RPC == "" {
		errs = append(errs, errors.New("blockies.rpc is required"))
	}
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	return errors.Join(errs...)
}

// withRunner opens the blockies store, RPC connection and discord session,
// and passes a Runner using them to f.
func withRunner(ctx context.Context, f func(context.Context, *blockies.Runner) error) error {
	config := cfg.Blockies
	if err := validateBlockiesConfig(config); err != nil {
		return err
	}
	logger := slog.New(
		tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel, AddSource: true}),
	)

	store, err := blockies.OpenStore(ctx, config)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("error closing database", tint.Err(closeErr))
		}
	}()

	client, err := chain.Dial(ctx, config.RPC)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := bot.NewSession(cfg.Discord, cfg.Client())
	if err != nil {
		return err
	}

	r := blockies.NewRunner(config, session, store, chain.NewENS(client), logger)
	return f(ctx, r)
}

//nolint:gochecknoinits
func init() {
	blockiesCmd.AddCommand(blockiesVerifyCmd, blockiesAnnounceCmd)
	rootCmd.AddCommand(blockiesCmd)
}
