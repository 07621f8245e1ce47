package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalWorkflow() *Workflow {
	return &Workflow{
		ID:      "w",
		Version: "1",
		Agents:  map[string]AgentConfig{"a1": {ID: "a1"}},
		Nodes: map[string]Node{
			"start": &StandardNode{
				ID: "start", AgentID: "a1", Prompt: "go",
				Transitions: []Transition{&SuccessTransition{TargetNode: "end"}},
			},
			"end": &EndNode{ID: "end", Status: EndSuccess},
		},
		StartNode: "start",
	}
}

func TestValidateAcceptsMinimalWorkflow(t *testing.T) {
	require.NoError(t, minimalWorkflow().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Workflow)
	}{
		{"missing start node", func(w *Workflow) { w.StartNode = "nowhere" }},
		{"dangling transition target", func(w *Workflow) {
			w.Nodes["start"].(*StandardNode).Transitions = []Transition{&SuccessTransition{TargetNode: "ghost"}}
		}},
		{"unknown agent", func(w *Workflow) {
			w.Nodes["start"].(*StandardNode).AgentID = "ghost"
		}},
		{"node key mismatch", func(w *Workflow) {
			w.Nodes["start"].(*StandardNode).ID = "other"
		}},
		{"dangling score target", func(w *Workflow) {
			w.Nodes["start"].(*StandardNode).Transitions = []Transition{
				&ScoreTransition{Conditions: []ScoreCondition{{Op: OpGTE, Value: 50, TargetNode: "ghost"}}},
			}
		}},
		{"fork waitAll rejected", func(w *Workflow) {
			w.Nodes["fork"] = &ForkNode{
				ID: "fork", Targets: []string{"end"}, WaitAll: true,
				Transitions: []Transition{&CompleteTransition{TargetNode: "end"}},
			}
		}},
		{"join awaiting non-fork", func(w *Workflow) {
			w.Nodes["join"] = &JoinNode{
				ID: "join", Await: []string{"start"}, MergeStrategy: CollectAll, OutputField: "out",
				Transitions: []Transition{&SuccessTransition{TargetNode: "end"}},
			}
		}},
		{"join bad merge strategy", func(w *Workflow) {
			w.Nodes["fork"] = &ForkNode{
				ID: "fork", Targets: []string{"end"},
				Transitions: []Transition{&CompleteTransition{TargetNode: "end"}},
			}
			w.Nodes["join"] = &JoinNode{
				ID: "join", Await: []string{"fork"}, MergeStrategy: "SOMETIMES", OutputField: "out",
				Transitions: []Transition{&SuccessTransition{TargetNode: "end"}},
			}
		}},
		{"end bad status", func(w *Workflow) {
			w.Nodes["end"].(*EndNode).Status = "MAYBE"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := minimalWorkflow()
			tc.mutate(w)
			err := w.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidWorkflow)
		})
	}
}

func TestValidateAllowsEmptyParallel(t *testing.T) {
	w := minimalWorkflow()
	w.Nodes["vote"] = &ParallelNode{
		ID: "vote", Consensus: ConsensusConfig{Strategy: MajorityVote},
		Transitions: []Transition{&NoConsensusTransition{TargetNode: "end"}},
	}
	assert.NoError(t, w.Validate())
}
