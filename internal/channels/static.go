package channels

import (
	"context"
	"fmt"

	"github.com/zulandar/snapline/internal/config"
)

// StaticSource serves channels listed in the config file.
type StaticSource struct {
	channels []Channel
}

// NewStaticSource converts the configured channel list.
func NewStaticSource(list []config.ChannelConfig) *StaticSource {
	out := make([]Channel, 0, len(list))
	for _, c := range list {
		out = append(out, Channel{
			Name:          c.Name,
			Prompt:        c.Prompt,
			VoiceID:       c.VoiceID,
			Category:      c.Category,
			DiscordRoleID: c.DiscordRoleID,
		})
	}
	return &StaticSource{channels: out}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Fetch(context.Context) ([]Channel, error) {
	out := make([]Channel, len(s.channels))
	copy(out, s.channels)
	return out, nil
}

// FromConfig picks the source named by cfg.Source.
func FromConfig(ctx context.Context, cfg config.ChannelsConfig, suffix string) (Source, error) {
	switch cfg.Source {
	case "sheet":
		return NewSheetSource(cfg.SheetID, suffix), nil
	case "github":
		return NewGitHubSource(ctx, GitHubOpts{
			Owner: cfg.GitHub.Owner,
			Repo:  cfg.GitHub.Repo,
			Path:  cfg.GitHub.Path,
			Ref:   cfg.GitHub.Ref,
			Token: cfg.GitHub.Token,
		})
	case "static", "":
		return NewStaticSource(cfg.Static), nil
	}
	return nil, fmt.Errorf("channels: unsupported source %q", cfg.Source)
}
