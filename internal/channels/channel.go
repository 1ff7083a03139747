// Package channels loads the channel registry: the show profiles (prompt
// template, voice, category, Discord role) selected by a card's channel
// label.
package channels

import (
	"sort"
	"strings"
)

// Channel is one show profile. Channels are immutable once loaded.
type Channel struct {
	Name          string `yaml:"name"`
	Prompt        string `yaml:"prompt"`
	VoiceID       string `yaml:"voice_id"`
	Category      string `yaml:"category"`
	DiscordRoleID string `yaml:"discord_role_id"`
}

// Key is the normalized lookup key for a channel or label name.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Snapshot is an immutable view of the registry at one fetch.
type Snapshot struct {
	byKey map[string]Channel
}

// NewSnapshot indexes channels by normalized name. Later duplicates win.
func NewSnapshot(list []Channel) *Snapshot {
	s := &Snapshot{byKey: make(map[string]Channel, len(list))}
	for _, ch := range list {
		if k := Key(ch.Name); k != "" {
			s.byKey[k] = ch
		}
	}
	return s
}

// Lookup resolves a label name to a channel.
func (s *Snapshot) Lookup(label string) (Channel, bool) {
	if s == nil {
		return Channel{}, false
	}
	ch, ok := s.byKey[Key(label)]
	return ch, ok
}

// Len returns the number of channels.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byKey)
}

// List returns the channels sorted by name.
func (s *Snapshot) List() []Channel {
	if s == nil {
		return nil
	}
	out := make([]Channel, 0, len(s.byKey))
	for _, ch := range s.byKey {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return Key(out[i].Name) < Key(out[j].Name) })
	return out
}
