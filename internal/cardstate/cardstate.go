// Package cardstate models the card label state machine as an enum and
// translates between it and the configured label vocabulary.
package cardstate

import (
	"sort"
	"strings"

	"github.com/zulandar/snapline/internal/config"
)

// State is one position in the card label state machine.
type State int

const (
	Unknown State = iota
	Trigger
	Writing
	Review
	Approved
	GeneratingVoice
	Done
	Error
)

var stateNames = map[State]string{
	Unknown:         "unknown",
	Trigger:         "trigger",
	Writing:         "writing",
	Review:          "review",
	Approved:        "approved",
	GeneratingVoice: "generating_voice",
	Done:            "done",
	Error:           "error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Set is the collection of states present on a card plus any labels that
// carry the channel suffix.
type Set struct {
	states   map[State]bool
	channels []string
}

// Has reports whether s is present.
func (set Set) Has(s State) bool {
	return set.states[s]
}

// Any reports whether at least one of states is present.
func (set Set) Any(states ...State) bool {
	for _, s := range states {
		if set.states[s] {
			return true
		}
	}
	return false
}

// ChannelLabels returns the lower-cased channel labels on the card in
// lexicographic order.
func (set Set) ChannelLabels() []string {
	out := make([]string, len(set.channels))
	copy(out, set.channels)
	return out
}

// Vocabulary maps states to the external label names configured for a
// board.
type Vocabulary struct {
	labels map[State]string
	byName map[string]State
	suffix string
	ready  string
}

// NewVocabulary builds a Vocabulary from the labels config section.
func NewVocabulary(cfg config.LabelsConfig) *Vocabulary {
	v := &Vocabulary{
		labels: map[State]string{
			Trigger:         cfg.Trigger,
			Writing:         cfg.Writing,
			Review:          cfg.Review,
			Approved:        cfg.Approved,
			GeneratingVoice: cfg.GeneratingVoice,
			Done:            cfg.Done,
			Error:           cfg.Error,
		},
		byName: make(map[string]State),
		suffix: strings.ToLower(strings.TrimSpace(cfg.ChannelSuffix)),
		ready:  cfg.ReadyList,
	}
	for s, name := range v.labels {
		if name != "" {
			v.byName[strings.ToLower(name)] = s
		}
	}
	return v
}

// Label returns the external label name for s.
func (v *Vocabulary) Label(s State) string {
	return v.labels[s]
}

// Labels returns the external names for states, skipping unknown ones.
func (v *Vocabulary) Labels(states ...State) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		if name := v.labels[s]; name != "" {
			out = append(out, name)
		}
	}
	return out
}

// ReadyList is the name of the list delivered cards move to.
func (v *Vocabulary) ReadyList() string {
	return v.ready
}

// Suffix is the lower-cased channel marker suffix.
func (v *Vocabulary) Suffix() string {
	return v.suffix
}

// StateOf translates an external label name. Matching is case-insensitive.
func (v *Vocabulary) StateOf(label string) State {
	if s, ok := v.byName[strings.ToLower(strings.TrimSpace(label))]; ok {
		return s
	}
	return Unknown
}

// IsChannelLabel reports whether label carries the channel marker suffix.
func (v *Vocabulary) IsChannelLabel(label string) bool {
	if v.suffix == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(label)), v.suffix)
}

// Parse projects a card's label names onto a Set.
func (v *Vocabulary) Parse(labels []string) Set {
	set := Set{states: make(map[State]bool)}
	seen := make(map[string]bool)
	for _, l := range labels {
		if s := v.StateOf(l); s != Unknown {
			set.states[s] = true
		}
		if v.IsChannelLabel(l) {
			norm := strings.ToLower(strings.TrimSpace(l))
			if !seen[norm] {
				seen[norm] = true
				set.channels = append(set.channels, norm)
			}
		}
	}
	sort.Strings(set.channels)
	return set
}
