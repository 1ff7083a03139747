package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zulandar/snapline/internal/db"
	"github.com/zulandar/snapline/internal/gate"
	"github.com/zulandar/snapline/internal/kvstore"
	"golang.org/x/term"
)

func newResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset <card-id>",
		Short: "Clear a card's pipeline state so it can be processed again",
		Long: `Deletes the script, voice, audio and stats keys stored for a card.

The card's labels are left alone; remove the error label and re-add the
trigger label in Trello to start over. When stdin is a terminal the
command asks for confirmation unless --yes is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd, configPath, args[0], yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runReset(cmd *cobra.Command, configPath, cardID string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	if !skipConfirm && isTerminal(cmd.InOrStdin()) {
		if !confirmReset(out, cmd.InOrStdin(), cardID) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	store, err := kvstore.New(gormDB)
	if err != nil {
		return err
	}
	g, err := gate.New(store, gate.DefaultTTL)
	if err != nil {
		return err
	}

	n, err := g.Reset(cmd.Context(), cardID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s card %s (%d keys deleted)\n", color.New(color.FgHiGreen).Sprint("Cleared"), cardID, n)
	return nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func confirmReset(out io.Writer, in io.Reader, cardID string) bool {
	fmt.Fprintf(out, "This clears the stored script and audio for card %s.\n", cardID)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
