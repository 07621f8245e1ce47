package state

import (
	"encoding/json"
	"fmt"
)

// HistoryEntry is the tagged union of step and backtrack records. Exactly one
// of Step and Backtrack is set. On the wire the variant is discriminated by a
// kind field ("step" or "backtrack").
type HistoryEntry struct {
	Step      *ExecutionStep
	Backtrack *BacktrackEvent
}

// IsBacktrack reports whether the entry records a backtrack.
func (e HistoryEntry) IsBacktrack() bool { return e.Backtrack != nil }

// MarshalJSON encodes the entry with its kind discriminator.
func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	switch {
	case e.Step != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			*ExecutionStep
		}{"step", e.Step})
	case e.Backtrack != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			*BacktrackEvent
		}{"backtrack", e.Backtrack})
	default:
		return nil, fmt.Errorf("empty history entry")
	}
}

// UnmarshalJSON decodes the entry from its kind discriminator.
func (e *HistoryEntry) UnmarshalJSON(data []byte) error {
	var disc struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return err
	}
	switch disc.Kind {
	case "step":
		var step ExecutionStep
		if err := json.Unmarshal(data, &step); err != nil {
			return err
		}
		e.Step = &step
		e.Backtrack = nil
		return nil
	case "backtrack":
		var bt BacktrackEvent
		if err := json.Unmarshal(data, &bt); err != nil {
			return err
		}
		e.Backtrack = &bt
		e.Step = nil
		return nil
	default:
		return fmt.Errorf("unknown history entry kind %q", disc.Kind)
	}
}
