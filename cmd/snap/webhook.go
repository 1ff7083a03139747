package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/snapline/internal/config"
	"github.com/zulandar/snapline/internal/trello"
)

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the Trello webhook",
	}

	cmd.AddCommand(newWebhookRegisterCmd())
	cmd.AddCommand(newWebhookListCmd())
	return cmd
}

func newWebhookRegisterCmd() *cobra.Command {
	var (
		configPath  string
		callbackURL string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the board webhook",
		Long: `Registers a Trello webhook on the configured board. The callback URL
defaults to server.public_url + /webhooks/event. Trello probes the URL with
HEAD before accepting it, so the API must already be reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebhookRegister(cmd, configPath, callbackURL)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	cmd.Flags().StringVar(&callbackURL, "callback", "", "callback URL (default: server.public_url + /webhooks/event)")
	return cmd
}

func newWebhookListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List webhooks registered with the API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebhookList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	return cmd
}

func trelloFromConfig(configPath string) (*config.Config, *trello.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	client, err := trello.NewClient(trello.Config{
		APIKey:  cfg.Trello.APIKey,
		Token:   cfg.Trello.Token,
		BoardID: cfg.Trello.BoardID,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, client, nil
}

// defaultCallbackURL derives the webhook URL from the public base URL.
func defaultCallbackURL(publicURL string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if base == "" {
		return "", fmt.Errorf("--callback or server.public_url is required")
	}
	return base + "/webhooks/event", nil
}

func runWebhookRegister(cmd *cobra.Command, configPath, callbackURL string) error {
	cfg, client, err := trelloFromConfig(configPath)
	if err != nil {
		return err
	}
	if callbackURL == "" {
		if callbackURL, err = defaultCallbackURL(cfg.Server.PublicURL); err != nil {
			return err
		}
	}

	hook, err := client.RegisterWebhook(cmd.Context(), callbackURL, "snapline")
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered webhook %s for board %s -> %s\n", hook.ID, cfg.Trello.BoardID, hook.CallbackURL)
	return nil
}

func runWebhookList(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	_, client, err := trelloFromConfig(configPath)
	if err != nil {
		return err
	}

	hooks, err := client.Webhooks(cmd.Context())
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		fmt.Fprintln(out, "No webhooks registered.")
		return nil
	}
	rows := make([][]string, 0, len(hooks))
	for _, h := range hooks {
		active := "no"
		if h.Active {
			active = "yes"
		}
		rows = append(rows, []string{h.ID, h.IDModel, h.CallbackURL, active, h.Description})
	}
	fmt.Fprintln(out, renderTable([]string{"ID", "Model", "Callback", "Active", "Description"}, rows, nil))
	return nil
}
