package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/snapline/internal/anthropic"
	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/channels"
	"github.com/zulandar/snapline/internal/config"
	"github.com/zulandar/snapline/internal/db"
	"github.com/zulandar/snapline/internal/elevenlabs"
	"github.com/zulandar/snapline/internal/escalate"
	"github.com/zulandar/snapline/internal/gate"
	"github.com/zulandar/snapline/internal/kvstore"
	"github.com/zulandar/snapline/internal/notify"
	"github.com/zulandar/snapline/internal/notify/discord"
	"github.com/zulandar/snapline/internal/notify/slack"
	"github.com/zulandar/snapline/internal/queue"
	"github.com/zulandar/snapline/internal/research"
	"github.com/zulandar/snapline/internal/stages"
	"github.com/zulandar/snapline/internal/trello"
	"gorm.io/gorm"
)

// connectFromConfig loads the config and opens the shared database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// app holds the collaborators shared by serve, worker and run.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	store    *kvstore.Store
	queue    *queue.Queue
	gate     *gate.Gate
	vocab    *cardstate.Vocabulary
	registry *channels.Registry
	cards    *trello.Client
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: gormDB, vocab: cardstate.NewVocabulary(cfg.Labels)}
	if a.store, err = kvstore.New(gormDB); err != nil {
		return nil, err
	}
	if a.queue, err = queue.New(gormDB); err != nil {
		return nil, err
	}
	if a.gate, err = gate.New(a.store, gate.DefaultTTL); err != nil {
		return nil, err
	}
	if a.registry, err = newRegistry(ctx, cfg, a.vocab); err != nil {
		return nil, err
	}
	a.cards, err = trello.NewClient(trello.Config{
		APIKey:  cfg.Trello.APIKey,
		Token:   cfg.Trello.Token,
		BoardID: cfg.Trello.BoardID,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRegistry(ctx context.Context, cfg *config.Config, vocab *cardstate.Vocabulary) (*channels.Registry, error) {
	source, err := channels.FromConfig(ctx, cfg.Channels, vocab.Suffix())
	if err != nil {
		return nil, err
	}
	return channels.NewRegistry(source)
}

// buildNotifier returns the chat notifier selected by cfg. An empty
// platform disables notices.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	switch cfg.Platform {
	case "discord":
		return discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
	case "slack":
		return slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
	case "command":
		return notify.Command{Template: cfg.Command}, nil
	case "":
		return notify.Nop{}, nil
	}
	return nil, fmt.Errorf("notify: unsupported platform %q", cfg.Platform)
}

// newExecutor wires the stage executor and the escalator to the external
// services named in the config.
func (a *app) newExecutor() (*stages.Executor, *escalate.Escalator, error) {
	notifier, err := buildNotifier(a.cfg.Notify)
	if err != nil {
		return nil, nil, err
	}
	writer, err := anthropic.NewClient(anthropic.Config{
		APIKey:      a.cfg.Anthropic.APIKey,
		ScriptModel: a.cfg.Anthropic.ScriptModel,
		ReviseModel: a.cfg.Anthropic.ReviseModel,
	})
	if err != nil {
		return nil, nil, err
	}
	voice, err := elevenlabs.NewClient(elevenlabs.Config{
		APIKey:  a.cfg.ElevenLabs.APIKey,
		ModelID: a.cfg.ElevenLabs.ModelID,
	})
	if err != nil {
		return nil, nil, err
	}

	exec, err := stages.New(stages.Opts{
		Cards:      a.cards,
		Writer:     writer,
		Voice:      voice,
		Researcher: research.NewFetcher(),
		Store:      a.store,
		Channels:   a.registry,
		Vocabulary: a.vocab,
		Notifier:   notifier,
		PublicURL:  a.cfg.Server.PublicURL,
	})
	if err != nil {
		return nil, nil, err
	}
	esc, err := escalate.New(a.cards, a.vocab, notifier)
	if err != nil {
		return nil, nil, err
	}
	return exec, esc, nil
}

// newEscalator builds the escalator alone, for callers that run no stages.
func (a *app) newEscalator() (*escalate.Escalator, error) {
	notifier, err := buildNotifier(a.cfg.Notify)
	if err != nil {
		return nil, err
	}
	return escalate.New(a.cards, a.vocab, notifier)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
