// Package dialogue holds the sales conversation script: stages, the
// policies that pick a stage from history, per-stage instructions, and the
// streaming response generator.
package dialogue

import (
	"fmt"

	"github.com/teslashibe/go-salescall/pkg/inference"
)

// Stage is a phase of the sales conversation.
type Stage string

const (
	StageIntroduction      Stage = "introduction"
	StageQualification     Stage = "qualification"
	StagePitch             Stage = "pitch"
	StageObjectionHandling Stage = "objection_handling"
	StageClosing           Stage = "closing"
)

// Stages lists every stage in script order.
var Stages = []Stage{
	StageIntroduction,
	StageQualification,
	StagePitch,
	StageObjectionHandling,
	StageClosing,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

func (s Stage) String() string {
	return string(s)
}

// Policy derives the stage for the next reply from the call history,
// including the caller turn being answered. Implementations must be pure:
// the same history always yields the same stage.
type Policy interface {
	Stage(history []inference.Message) Stage
}

// NewPolicy returns the policy registered under name.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", "turn_count":
		return TurnCountPolicy{}, nil
	case "signal":
		return NewSignalPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown dialogue policy %q", name)
	}
}

// TurnCountPolicy advances purely on history length: up to 2 turns is
// qualification, up to 4 pitch, up to 6 objection handling, then closing.
// Introduction is never derived; it is only used for the greeting.
type TurnCountPolicy struct{}

// Stage implements Policy.
func (TurnCountPolicy) Stage(history []inference.Message) Stage {
	return stageForLength(len(history))
}

func stageForLength(n int) Stage {
	switch {
	case n <= 2:
		return StageQualification
	case n <= 4:
		return StagePitch
	case n <= 6:
		return StageObjectionHandling
	default:
		return StageClosing
	}
}
