// Package router decides what an inbound card event should do. Decide is a
// pure function: the same input always yields the same Route.
package router

import (
	"strings"

	"github.com/zulandar/snapline/internal/cardstate"
	"github.com/zulandar/snapline/internal/channels"
	"github.com/zulandar/snapline/internal/gate"
)

// Recognized action types.
const (
	ActionAddLabel = "addLabelToCard"
	ActionComment  = "commentCard"
)

// BotMarker prefixes every comment the pipeline posts. Comments that start
// with it are never treated as revision requests.
const BotMarker = "**"

// Ignore reasons.
const (
	ReasonUnhandledAction = "unhandled action"
	ReasonOwnComment      = "own comment"
	ReasonNotInReview     = "card not in review"
	ReasonNoChannel       = "no channel label"
	ReasonNoTrigger       = "no trigger label"
)

// Kind enumerates routing outcomes.
type Kind int

const (
	Ignore Kind = iota
	StartScript
	Revise
	StartVoice
)

func (k Kind) String() string {
	switch k {
	case StartScript:
		return "start_script"
	case Revise:
		return "revise"
	case StartVoice:
		return "start_voice"
	default:
		return "ignore"
	}
}

// Route is the router's decision.
type Route struct {
	Kind    Kind
	Reason  string           // set for Ignore
	Channel channels.Channel // set for every non-Ignore route
	// Gate names the idempotency stage that must be acquired before the
	// route is dispatched. Empty means no gate.
	Gate string
}

// ChannelLookup resolves a channel label to a configured channel.
type ChannelLookup interface {
	Lookup(label string) (channels.Channel, bool)
}

// Input is everything the router looks at.
type Input struct {
	ActionType string
	Labels     []string // current card label names
	Comment    string   // commentCard text
	AddedLabel string   // addLabelToCard label name
	Vocabulary *cardstate.Vocabulary
	Channels   ChannelLookup
}

// Decide maps an event to a Route. Decision order, first match wins:
//  1. action other than label-added/comment → Ignore
//  2. comment starting with BotMarker → Ignore
//  3. comment on a card in review with a channel → Revise
//  4. added label equal to the approved label with a channel → StartVoice
//  5. trigger label with a channel → StartScript
//  6. anything else → Ignore
func Decide(in Input) Route {
	if in.ActionType != ActionAddLabel && in.ActionType != ActionComment {
		return ignore(ReasonUnhandledAction)
	}

	set := in.Vocabulary.Parse(in.Labels)

	if in.ActionType == ActionComment {
		if strings.HasPrefix(in.Comment, BotMarker) {
			return ignore(ReasonOwnComment)
		}
		if !set.Has(cardstate.Review) {
			return ignore(ReasonNotInReview)
		}
		ch, ok := resolveChannel(set, in.Channels)
		if !ok {
			return ignore(ReasonNoChannel)
		}
		return Route{Kind: Revise, Channel: ch}
	}

	if in.Vocabulary.StateOf(in.AddedLabel) == cardstate.Approved {
		ch, ok := resolveChannel(set, in.Channels)
		if !ok {
			return ignore(ReasonNoChannel)
		}
		return Route{Kind: StartVoice, Channel: ch, Gate: gate.StageVoice}
	}

	if !set.Has(cardstate.Trigger) {
		return ignore(ReasonNoTrigger)
	}
	ch, ok := resolveChannel(set, in.Channels)
	if !ok {
		return ignore(ReasonNoChannel)
	}
	return Route{Kind: StartScript, Channel: ch, Gate: gate.StageScript}
}

// resolveChannel returns the first channel label, in lexicographic order of
// the lower-cased label, that resolves to a configured channel.
func resolveChannel(set cardstate.Set, lookup ChannelLookup) (channels.Channel, bool) {
	if lookup == nil {
		return channels.Channel{}, false
	}
	for _, label := range set.ChannelLabels() {
		if ch, ok := lookup.Lookup(label); ok {
			return ch, true
		}
	}
	return channels.Channel{}, false
}

func ignore(reason string) Route {
	return Route{Kind: Ignore, Reason: reason}
}
