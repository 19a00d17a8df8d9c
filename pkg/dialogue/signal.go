package dialogue

import (
	"strings"

	"github.com/teslashibe/go-salescall/pkg/inference"
)

// Signal is a structured cue detected in a caller turn.
type Signal int

const (
	SignalNone Signal = iota
	SignalNeed
	SignalObjection
	SignalCommitment
)

func (s Signal) String() string {
	switch s {
	case SignalNeed:
		return "need"
	case SignalObjection:
		return "objection"
	case SignalCommitment:
		return "commitment"
	default:
		return "none"
	}
}

// Cues maps phrases to signals. Commitment is checked before objection,
// objection before need.
type Cues struct {
	Need       []string
	Objection  []string
	Commitment []string
}

// DefaultCues returns phrases tuned for course sales calls.
func DefaultCues() Cues {
	return Cues{
		Need: []string{
			"i need", "i want", "looking for", "interested in", "my goal",
			"learn", "career", "upskill", "switch to",
		},
		Objection: []string{
			"expensive", "too much", "can't afford", "cost", "price",
			"not sure", "no time", "too busy", "don't have time", "not interested",
			"already", "maybe later",
		},
		Commitment: []string{
			"sign me up", "sign up", "enroll", "let's do it", "sounds good",
			"i'm in", "book", "schedule", "how do i pay", "send me the link",
		},
	}
}

// Detect returns the strongest signal in text.
func (c Cues) Detect(text string) Signal {
	lower := strings.ToLower(text)
	for _, group := range []struct {
		signal  Signal
		phrases []string
	}{
		{SignalCommitment, c.Commitment},
		{SignalObjection, c.Objection},
		{SignalNeed, c.Need},
	} {
		for _, p := range group.phrases {
			if strings.Contains(lower, p) {
				return group.signal
			}
		}
	}
	return SignalNone
}

// SignalPolicy is a finite-state machine replayed over the caller turns.
// Each caller turn moves the machine on its detected signal; a stage that
// sees MaxTurnsPerStage caller turns without a decisive signal advances
// as the turn-count heuristic would. Repeated objections hold the stage.
type SignalPolicy struct {
	Cues             Cues
	MaxTurnsPerStage int
}

// NewSignalPolicy returns a policy with default cues.
func NewSignalPolicy() SignalPolicy {
	return SignalPolicy{Cues: DefaultCues(), MaxTurnsPerStage: 1}
}

// Stage implements Policy.
func (p SignalPolicy) Stage(history []inference.Message) Stage {
	limit := p.MaxTurnsPerStage
	if limit <= 0 {
		limit = 1
	}

	stage := StageQualification
	dwell := 0
	first := true
	for _, m := range history {
		if m.Role != inference.RoleUser {
			continue
		}
		if first {
			first = false
			// The opening caller turn answers the greeting; qualify first
			// unless the caller is already deciding.
			switch p.Cues.Detect(m.Content) {
			case SignalCommitment:
				stage = StageClosing
			case SignalObjection:
				stage = StageObjectionHandling
			}
			dwell = 1
			continue
		}

		sig := p.Cues.Detect(m.Content)
		next := transition(stage, sig)
		if next == stage && sig != SignalObjection && dwell >= limit {
			next = advance(stage)
		}
		if next != stage {
			stage, dwell = next, 0
		}
		dwell++
	}
	return stage
}

func transition(from Stage, sig Signal) Stage {
	switch sig {
	case SignalCommitment:
		return StageClosing
	case SignalObjection:
		if from == StageQualification {
			return StagePitch
		}
		return StageObjectionHandling
	case SignalNeed:
		if from == StageQualification {
			return StagePitch
		}
	}
	return from
}

func advance(s Stage) Stage {
	switch s {
	case StageQualification:
		return StagePitch
	case StagePitch:
		return StageObjectionHandling
	default:
		return StageClosing
	}
}
