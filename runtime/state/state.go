// Package state holds the mutable per-execution state, its persisted
// snapshot form, and the repository contracts the engine persists through.
//
// A State is owned exclusively by the goroutine currently advancing its
// execution. It never crosses component boundaries directly: parallel and
// fork branches receive a deep copy of the context and return outputs by
// value, and everything else observes the execution through snapshots.
package state

import (
	"time"
)

type (
	// State is the mutable execution snapshot: the context mapping, the
	// append-only history, the current node pointer, and the retry/backtrack
	// counters that keep cyclic graphs bounded.
	State struct {
		// Context is the execution's key-value working memory. Keys starting
		// with "_" are internal and filtered from completion events.
		Context map[string]any `json:"context"`
		// History is the append-only sequence of executed steps and
		// backtrack events. Backtracks append; they never rewrite.
		History []HistoryEntry `json:"history"`
		// CurrentNodeID is the node the execution advances next. Nil once
		// the execution reached a terminal result.
		CurrentNodeID *string `json:"currentNodeId"`
		// RetryCounts tracks failure-transition retries per node ID.
		RetryCounts map[string]int `json:"retryCounts,omitempty"`
		// BacktrackCounts tracks rubric auto-backtracks per node ID.
		BacktrackCounts map[string]int `json:"backtrackCounts,omitempty"`
		// LastRubric is the rubric evaluation of the node most recently
		// executed. It is cleared whenever the current node changes so a
		// downstream score transition can never match a stale score.
		LastRubric *RubricResult `json:"lastRubric,omitempty"`
	}

	// RubricResult is the persisted outcome of one rubric evaluation.
	RubricResult struct {
		RubricID string  `json:"rubricId"`
		Score    float64 `json:"score"`
		Passed   bool    `json:"passed"`
	}

	// ExecutionStep records one node execution in history.
	ExecutionStep struct {
		// NodeID is the executed node.
		NodeID string `json:"nodeId"`
		// Success reports the node outcome.
		Success bool `json:"success"`
		// Output is the node's textual output (or diagnostic on failure).
		Output string `json:"output,omitempty"`
		// Timestamp is when the step completed.
		Timestamp time.Time `json:"timestamp"`
	}

	// BacktrackEvent records a reassignment of the current-node pointer.
	BacktrackEvent struct {
		// From is the node the execution backtracked away from.
		From string `json:"from"`
		// To is the node the execution resumed at.
		To string `json:"to"`
		// Reason is the reviewer- or engine-provided explanation.
		Reason string `json:"reason,omitempty"`
		// Timestamp is when the backtrack happened.
		Timestamp time.Time `json:"timestamp"`
	}
)

// New builds a fresh State positioned at startNode with the provided initial
// context. The context map is copied; the caller keeps ownership of its copy.
func New(startNode string, initialContext map[string]any) *State {
	ctx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		ctx[k] = v
	}
	node := startNode
	return &State{
		Context:         ctx,
		CurrentNodeID:   &node,
		RetryCounts:     make(map[string]int),
		BacktrackCounts: make(map[string]int),
	}
}

// AppendStep appends an execution step to history.
func (s *State) AppendStep(nodeID string, success bool, output string, at time.Time) {
	s.History = append(s.History, HistoryEntry{Step: &ExecutionStep{
		NodeID:    nodeID,
		Success:   success,
		Output:    output,
		Timestamp: at,
	}})
}

// AppendBacktrack appends a backtrack event to history. History is
// append-only; past steps are never rewritten.
func (s *State) AppendBacktrack(from, to, reason string, at time.Time) {
	s.History = append(s.History, HistoryEntry{Backtrack: &BacktrackEvent{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: at,
	}})
}

// SetCurrentNode moves the current-node pointer. Moving to a different node
// clears the cached rubric evaluation; staying on the same node (retry or
// self-backtrack) keeps it until the node re-executes.
func (s *State) SetCurrentNode(nodeID string) {
	if s.CurrentNodeID == nil || *s.CurrentNodeID != nodeID {
		s.LastRubric = nil
	}
	node := nodeID
	s.CurrentNodeID = &node
}

// ClearCurrentNode marks the execution terminal.
func (s *State) ClearCurrentNode() {
	s.CurrentNodeID = nil
	s.LastRubric = nil
}

// RetryCount returns the failure-retry counter for a node.
func (s *State) RetryCount(nodeID string) int { return s.RetryCounts[nodeID] }

// IncrementRetry bumps the failure-retry counter for a node and returns the
// new value.
func (s *State) IncrementRetry(nodeID string) int {
	if s.RetryCounts == nil {
		s.RetryCounts = make(map[string]int)
	}
	s.RetryCounts[nodeID]++
	return s.RetryCounts[nodeID]
}

// BacktrackCount returns the auto-backtrack counter for a node.
func (s *State) BacktrackCount(nodeID string) int { return s.BacktrackCounts[nodeID] }

// IncrementBacktrack bumps the auto-backtrack counter for a node and returns
// the new value.
func (s *State) IncrementBacktrack(nodeID string) int {
	if s.BacktrackCounts == nil {
		s.BacktrackCounts = make(map[string]int)
	}
	s.BacktrackCounts[nodeID]++
	return s.BacktrackCounts[nodeID]
}

// ResetBacktracks clears the auto-backtrack counter for a node. Explicit
// reviewer backtracks reset the target's counter; retry counters are left
// untouched to keep loops bounded.
func (s *State) ResetBacktracks(nodeID string) {
	delete(s.BacktrackCounts, nodeID)
}

// ForkContext returns a deep copy of the context for a branch execution.
// Branches never share mutable state with the parent.
func (s *State) ForkContext() map[string]any {
	return deepCopyMap(s.Context)
}

// Clone returns a deep copy of the state. Repositories clone on save and
// load so callers can keep mutating their copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		Context:         deepCopyMap(s.Context),
		History:         append([]HistoryEntry(nil), s.History...),
		RetryCounts:     copyCounts(s.RetryCounts),
		BacktrackCounts: copyCounts(s.BacktrackCounts),
	}
	if s.CurrentNodeID != nil {
		node := *s.CurrentNodeID
		out.CurrentNodeID = &node
	}
	if s.LastRubric != nil {
		eval := *s.LastRubric
		out.LastRubric = &eval
	}
	return out
}

// Output returns the context filtered of internal ("_"-prefixed) keys, the
// shape surfaced by execution completion events.
func (s *State) Output() map[string]any {
	out := make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
