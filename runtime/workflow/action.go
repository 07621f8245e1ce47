package workflow

// ActionType discriminates action variants on the wire.
type ActionType string

const (
	// ActionSend dispatches a payload to a registered action handler.
	ActionSend ActionType = "send"
	// ActionExecute runs a registered command definition. Unsupported in
	// server mode; the dispatcher fails such actions.
	ActionExecute ActionType = "execute"
)

type (
	// Action is the closed set of action variants dispatched by action nodes.
	Action interface {
		// ActionType returns the wire discriminator.
		ActionType() ActionType
	}

	// SendAction routes a templated payload to the handler registered under
	// HandlerID.
	SendAction struct {
		// HandlerID keys the action handler registry.
		HandlerID string `json:"handlerId"`
		// Payload values are templates resolved against the execution
		// context before dispatch.
		Payload map[string]string `json:"payload,omitempty"`
	}

	// ExecuteAction runs the command registered under CommandID through the
	// local execution collaborator. Server deployments reject it.
	ExecuteAction struct {
		// CommandID keys the command registry.
		CommandID string `json:"commandId"`
	}
)

// ActionType returns ActionSend.
func (a *SendAction) ActionType() ActionType { return ActionSend }

// ActionType returns ActionExecute.
func (a *ExecuteAction) ActionType() ActionType { return ActionExecute }
