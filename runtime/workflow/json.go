package workflow

import (
	"encoding/json"
	"fmt"
)

// The wire format is discriminator-driven: nodes carry nodeType, transitions
// and actions carry type. Decoding selects the concrete shape from the
// discriminator; encoding re-emits it. Class names never appear on the wire.

// UnmarshalJSON decodes a workflow document, selecting concrete node shapes
// from their nodeType discriminators.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID        string                     `json:"id"`
		Version   string                     `json:"version"`
		Metadata  map[string]string          `json:"metadata,omitempty"`
		Agents    map[string]AgentConfig     `json:"agents"`
		Nodes     map[string]json.RawMessage `json:"nodes"`
		StartNode string                     `json:"startNode"`
		Rubrics   map[string]RubricRef       `json:"rubrics,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	w.ID = a.ID
	w.Version = a.Version
	w.Metadata = a.Metadata
	w.Agents = a.Agents
	w.StartNode = a.StartNode
	w.Rubrics = a.Rubrics
	w.Nodes = make(map[string]Node, len(a.Nodes))
	for id, raw := range a.Nodes {
		node, err := UnmarshalNode(raw)
		if err != nil {
			return fmt.Errorf("node %q: %w", id, err)
		}
		w.Nodes[id] = node
	}
	return nil
}

// MarshalJSON encodes a workflow document with node discriminators.
func (w Workflow) MarshalJSON() ([]byte, error) {
	nodes := make(map[string]json.RawMessage, len(w.Nodes))
	for id, node := range w.Nodes {
		raw, err := MarshalNode(node)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		nodes[id] = raw
	}
	type alias struct {
		ID        string                     `json:"id"`
		Version   string                     `json:"version"`
		Metadata  map[string]string          `json:"metadata,omitempty"`
		Agents    map[string]AgentConfig     `json:"agents"`
		Nodes     map[string]json.RawMessage `json:"nodes"`
		StartNode string                     `json:"startNode"`
		Rubrics   map[string]RubricRef       `json:"rubrics,omitempty"`
	}
	return json.Marshal(alias{
		ID:        w.ID,
		Version:   w.Version,
		Metadata:  w.Metadata,
		Agents:    w.Agents,
		Nodes:     nodes,
		StartNode: w.StartNode,
		Rubrics:   w.Rubrics,
	})
}

// UnmarshalNode decodes a single node from its nodeType discriminator.
func UnmarshalNode(data []byte) (Node, error) {
	var disc struct {
		NodeType NodeType `json:"nodeType"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, err
	}
	switch disc.NodeType {
	case NodeTypeStandard:
		var a struct {
			ID           string            `json:"id"`
			AgentID      string            `json:"agentId"`
			Prompt       string            `json:"prompt"`
			RubricID     string            `json:"rubricId,omitempty"`
			OutputParams []string          `json:"outputParams,omitempty"`
			Review       ReviewConfig      `json:"review,omitempty"`
			Plan         *PlanConfig       `json:"plan,omitempty"`
			Transitions  []json.RawMessage `json:"transitions"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		ts, err := unmarshalTransitions(a.Transitions)
		if err != nil {
			return nil, err
		}
		return &StandardNode{
			ID: a.ID, AgentID: a.AgentID, Prompt: a.Prompt, RubricID: a.RubricID,
			OutputParams: a.OutputParams, Review: a.Review, Plan: a.Plan, Transitions: ts,
		}, nil
	case NodeTypeParallel:
		var a struct {
			ID          string            `json:"id"`
			Branches    []Branch          `json:"branches"`
			Consensus   ConsensusConfig   `json:"consensus"`
			Transitions []json.RawMessage `json:"transitions"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		ts, err := unmarshalTransitions(a.Transitions)
		if err != nil {
			return nil, err
		}
		return &ParallelNode{ID: a.ID, Branches: a.Branches, Consensus: a.Consensus, Transitions: ts}, nil
	case NodeTypeFork:
		var a struct {
			ID          string            `json:"id"`
			Targets     []string          `json:"targets"`
			WaitAll     bool              `json:"waitAll,omitempty"`
			Transitions []json.RawMessage `json:"transitions"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		ts, err := unmarshalTransitions(a.Transitions)
		if err != nil {
			return nil, err
		}
		return &ForkNode{ID: a.ID, Targets: a.Targets, WaitAll: a.WaitAll, Transitions: ts}, nil
	case NodeTypeJoin:
		var a struct {
			ID             string            `json:"id"`
			Await          []string          `json:"await"`
			MergeStrategy  MergeStrategy     `json:"mergeStrategy"`
			OutputField    string            `json:"outputField"`
			TimeoutMs      int64             `json:"timeoutMs,omitempty"`
			FailOnAnyError bool              `json:"failOnAnyError,omitempty"`
			Transitions    []json.RawMessage `json:"transitions"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		ts, err := unmarshalTransitions(a.Transitions)
		if err != nil {
			return nil, err
		}
		return &JoinNode{
			ID: a.ID, Await: a.Await, MergeStrategy: a.MergeStrategy, OutputField: a.OutputField,
			TimeoutMs: a.TimeoutMs, FailOnAnyError: a.FailOnAnyError, Transitions: ts,
		}, nil
	case NodeTypeGeneric:
		var a struct {
			ID           string            `json:"id"`
			ExecutorType string            `json:"executorType"`
			Config       map[string]any    `json:"config,omitempty"`
			RubricID     string            `json:"rubricId,omitempty"`
			Transitions  []json.RawMessage `json:"transitions"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		ts, err := unmarshalTransitions(a.Transitions)
		if err != nil {
			return nil, err
		}
		return &GenericNode{ID: a.ID, ExecutorType: a.ExecutorType, Config: a.Config, RubricID: a.RubricID, Transitions: ts}, nil
	case NodeTypeAction:
		var a struct {
			ID          string            `json:"id"`
			Actions     []json.RawMessage `json:"actions"`
			Transitions []json.RawMessage `json:"transitions"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		actions := make([]Action, 0, len(a.Actions))
		for i, raw := range a.Actions {
			act, err := UnmarshalAction(raw)
			if err != nil {
				return nil, fmt.Errorf("action %d: %w", i, err)
			}
			actions = append(actions, act)
		}
		ts, err := unmarshalTransitions(a.Transitions)
		if err != nil {
			return nil, err
		}
		return &ActionNode{ID: a.ID, Actions: actions, Transitions: ts}, nil
	case NodeTypeEnd:
		var a struct {
			ID     string    `json:"id"`
			Status EndStatus `json:"status"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return &EndNode{ID: a.ID, Status: a.Status}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", disc.NodeType)
	}
}

// MarshalNode encodes a node with its nodeType discriminator.
func MarshalNode(node Node) ([]byte, error) {
	switch n := node.(type) {
	case *StandardNode:
		ts, err := marshalTransitions(n.Transitions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			NodeType     NodeType          `json:"nodeType"`
			ID           string            `json:"id"`
			AgentID      string            `json:"agentId"`
			Prompt       string            `json:"prompt"`
			RubricID     string            `json:"rubricId,omitempty"`
			OutputParams []string          `json:"outputParams,omitempty"`
			Review       ReviewConfig      `json:"review,omitempty"`
			Plan         *PlanConfig       `json:"plan,omitempty"`
			Transitions  []json.RawMessage `json:"transitions"`
		}{NodeTypeStandard, n.ID, n.AgentID, n.Prompt, n.RubricID, n.OutputParams, n.Review, n.Plan, ts})
	case *ParallelNode:
		ts, err := marshalTransitions(n.Transitions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			NodeType    NodeType          `json:"nodeType"`
			ID          string            `json:"id"`
			Branches    []Branch          `json:"branches"`
			Consensus   ConsensusConfig   `json:"consensus"`
			Transitions []json.RawMessage `json:"transitions"`
		}{NodeTypeParallel, n.ID, n.Branches, n.Consensus, ts})
	case *ForkNode:
		ts, err := marshalTransitions(n.Transitions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			NodeType    NodeType          `json:"nodeType"`
			ID          string            `json:"id"`
			Targets     []string          `json:"targets"`
			WaitAll     bool              `json:"waitAll,omitempty"`
			Transitions []json.RawMessage `json:"transitions"`
		}{NodeTypeFork, n.ID, n.Targets, n.WaitAll, ts})
	case *JoinNode:
		ts, err := marshalTransitions(n.Transitions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			NodeType       NodeType          `json:"nodeType"`
			ID             string            `json:"id"`
			Await          []string          `json:"await"`
			MergeStrategy  MergeStrategy     `json:"mergeStrategy"`
			OutputField    string            `json:"outputField"`
			TimeoutMs      int64             `json:"timeoutMs,omitempty"`
			FailOnAnyError bool              `json:"failOnAnyError,omitempty"`
			Transitions    []json.RawMessage `json:"transitions"`
		}{NodeTypeJoin, n.ID, n.Await, n.MergeStrategy, n.OutputField, n.TimeoutMs, n.FailOnAnyError, ts})
	case *GenericNode:
		ts, err := marshalTransitions(n.Transitions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			NodeType     NodeType          `json:"nodeType"`
			ID           string            `json:"id"`
			ExecutorType string            `json:"executorType"`
			Config       map[string]any    `json:"config,omitempty"`
			RubricID     string            `json:"rubricId,omitempty"`
			Transitions  []json.RawMessage `json:"transitions"`
		}{NodeTypeGeneric, n.ID, n.ExecutorType, n.Config, n.RubricID, ts})
	case *ActionNode:
		actions := make([]json.RawMessage, 0, len(n.Actions))
		for _, act := range n.Actions {
			raw, err := MarshalAction(act)
			if err != nil {
				return nil, err
			}
			actions = append(actions, raw)
		}
		ts, err := marshalTransitions(n.Transitions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			NodeType    NodeType          `json:"nodeType"`
			ID          string            `json:"id"`
			Actions     []json.RawMessage `json:"actions"`
			Transitions []json.RawMessage `json:"transitions"`
		}{NodeTypeAction, n.ID, actions, ts})
	case *EndNode:
		return json.Marshal(struct {
			NodeType NodeType  `json:"nodeType"`
			ID       string    `json:"id"`
			Status   EndStatus `json:"status"`
		}{NodeTypeEnd, n.ID, n.Status})
	default:
		return nil, fmt.Errorf("unsupported node type %T", node)
	}
}

// UnmarshalTransition decodes a single transition from its type discriminator.
func UnmarshalTransition(data []byte) (Transition, error) {
	var disc struct {
		Type TransitionType `json:"type"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, err
	}
	switch disc.Type {
	case TransitionSuccess:
		var t SuccessTransition
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return &t, nil
	case TransitionFailure:
		var t FailureTransition
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return &t, nil
	case TransitionScore:
		var t ScoreTransition
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return &t, nil
	case TransitionConsensus:
		var t ConsensusTransition
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return &t, nil
	case TransitionNoConsensus:
		var t NoConsensusTransition
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return &t, nil
	case TransitionComplete:
		var t CompleteTransition
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("unknown transition type %q", disc.Type)
	}
}

// MarshalTransition encodes a transition with its type discriminator.
func MarshalTransition(t Transition) ([]byte, error) {
	switch tr := t.(type) {
	case *SuccessTransition:
		return json.Marshal(struct {
			Type   TransitionType `json:"type"`
			Target string         `json:"target"`
		}{TransitionSuccess, tr.TargetNode})
	case *FailureTransition:
		return json.Marshal(struct {
			Type       TransitionType `json:"type"`
			MaxRetries int            `json:"maxRetries"`
			Target     string         `json:"target"`
		}{TransitionFailure, tr.MaxRetries, tr.TargetNode})
	case *ScoreTransition:
		return json.Marshal(struct {
			Type       TransitionType   `json:"type"`
			Conditions []ScoreCondition `json:"conditions"`
		}{TransitionScore, tr.Conditions})
	case *ConsensusTransition:
		return json.Marshal(struct {
			Type   TransitionType `json:"type"`
			Target string         `json:"target"`
		}{TransitionConsensus, tr.TargetNode})
	case *NoConsensusTransition:
		return json.Marshal(struct {
			Type   TransitionType `json:"type"`
			Target string         `json:"target"`
		}{TransitionNoConsensus, tr.TargetNode})
	case *CompleteTransition:
		return json.Marshal(struct {
			Type   TransitionType `json:"type"`
			Target string         `json:"target"`
		}{TransitionComplete, tr.TargetNode})
	default:
		return nil, fmt.Errorf("unsupported transition type %T", t)
	}
}

// UnmarshalAction decodes a single action from its type discriminator.
func UnmarshalAction(data []byte) (Action, error) {
	var disc struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return nil, err
	}
	switch disc.Type {
	case ActionSend:
		var a SendAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return &a, nil
	case ActionExecute:
		var a ExecuteAction
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return &a, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", disc.Type)
	}
}

// MarshalAction encodes an action with its type discriminator.
func MarshalAction(a Action) ([]byte, error) {
	switch act := a.(type) {
	case *SendAction:
		return json.Marshal(struct {
			Type      ActionType        `json:"type"`
			HandlerID string            `json:"handlerId"`
			Payload   map[string]string `json:"payload,omitempty"`
		}{ActionSend, act.HandlerID, act.Payload})
	case *ExecuteAction:
		return json.Marshal(struct {
			Type      ActionType `json:"type"`
			CommandID string     `json:"commandId"`
		}{ActionExecute, act.CommandID})
	default:
		return nil, fmt.Errorf("unsupported action type %T", a)
	}
}

func unmarshalTransitions(raws []json.RawMessage) ([]Transition, error) {
	if raws == nil {
		return nil, nil
	}
	out := make([]Transition, 0, len(raws))
	for i, raw := range raws {
		t, err := UnmarshalTransition(raw)
		if err != nil {
			return nil, fmt.Errorf("transition %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func marshalTransitions(ts []Transition) ([]json.RawMessage, error) {
	if ts == nil {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(ts))
	for _, t := range ts {
		raw, err := MarshalTransition(t)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
