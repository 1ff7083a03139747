package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/config"
)

func newChannelsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List the channels in the registry",
		Long:  "Fetches the channel registry from its configured source and prints one row per channel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannels(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	return cmd
}

func runChannels(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	registry, err := newRegistry(ctx, cfg, cardstate.NewVocabulary(cfg.Labels))
	if err != nil {
		return err
	}
	if err := registry.Refresh(ctx); err != nil {
		return err
	}

	list := registry.Current(ctx).List()
	if len(list) == 0 {
		fmt.Fprintf(out, "%s no channels found in %s source\n", color.New(color.FgYellow).Sprint("warning:"), registry.SourceName())
		return nil
	}

	rows := make([][]string, 0, len(list))
	for _, ch := range list {
		rows = append(rows, []string{
			ch.Name,
			ch.VoiceID,
			ch.Category,
			ch.DiscordRoleID,
			strconv.Itoa(len(ch.Prompt)),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Channel", "Voice ID", "Category", "Discord Role", "Prompt Chars"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
	fmt.Fprintf(out, "%d channels from %s source\n", len(list), registry.SourceName())
	return nil
}
