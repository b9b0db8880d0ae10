package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/gregLibert/card-provisioning/pkg/api"
)

// Every fetch response carries exactly one operation: either the terminal
// completion status or one unit of work for the client. The tagged variants
// below mirror that: parseFetchResponse returns exactly one of them.

// Operation is one unit of work (or the terminal status) from a fetch
// response.
type Operation interface {
	isOperation()
}

// Transceive instructs the client to relay APDU batches between the
// connector endpoint and the card.
type Transceive struct {
	OperationID json.RawMessage
}

// UserInteraction instructs the client to collect the listed field values,
// encrypting them when Encrypted is set.
type UserInteraction struct {
	OperationID json.RawMessage
	Fields      []Field
	Encrypted   bool
}

// Action instructs the client to surface out-of-band actions to the user
// and wait for acknowledgement.
type Action struct {
	OperationID json.RawMessage
	Actions     []ActionCommand
}

// ActionCommand is one named action within an Action operation.
type ActionCommand struct {
	Name        string
	Description string
	Parameters  map[string]string
}

// Completed is the terminal fetch response.
type Completed struct {
	Success      bool
	Message      string
	ScriptStatus *string
}

func (Transceive) isOperation()      {}
func (UserInteraction) isOperation() {}
func (Action) isOperation()          {}
func (Completed) isOperation()       {}

// Operation type discriminators on the wire.
const (
	opTransceive      = "transceive"
	opUserInteraction = "user-interaction"
	opAction          = "action"
)

type fetchEnvelope struct {
	Completed bool `json:"completed"`
	Status    *struct {
		Success      bool           `json:"success"`
		Message      api.Localized  `json:"message"`
		ScriptStatus *api.Localized `json:"scriptStatus"`
	} `json:"status"`

	OperationType string          `json:"operationType"`
	OperationID   json.RawMessage `json:"operationId"`
	Encrypted     bool            `json:"encrypted"`
	Fields        []wireField     `json:"fields"`
	Actions       []struct {
		Name        string                     `json:"name"`
		Description api.Localized              `json:"description"`
		Parameters  map[string]json.RawMessage `json:"parameters"`
	} `json:"actions"`
}

// parseFetchResponse decodes a fetch response document into its single
// active operation variant.
func parseFetchResponse(document json.RawMessage) (Operation, error) {
	var env fetchEnvelope
	if err := json.Unmarshal(document, &env); err != nil {
		return nil, errf(KindProtocol, "malformed fetch response: %v", err)
	}

	if env.Completed {
		if env.Status == nil {
			return nil, errf(KindProtocol, "completed fetch response without status")
		}
		done := Completed{
			Success: env.Status.Success,
			Message: env.Status.Message.String(),
		}
		if env.Status.ScriptStatus != nil && env.Status.ScriptStatus.String() != "" {
			status := env.Status.ScriptStatus.String()
			done.ScriptStatus = &status
		}
		return done, nil
	}

	switch env.OperationType {
	case opTransceive:
		return Transceive{OperationID: env.OperationID}, nil
	case opUserInteraction:
		return UserInteraction{
			OperationID: env.OperationID,
			Fields:      fieldsFromWire(env.Fields),
			Encrypted:   env.Encrypted,
		}, nil
	case opAction:
		op := Action{OperationID: env.OperationID}
		for _, a := range env.Actions {
			cmd := ActionCommand{
				Name:        a.Name,
				Description: a.Description.String(),
				Parameters:  make(map[string]string, len(a.Parameters)),
			}
			for k, v := range a.Parameters {
				cmd.Parameters[k] = rawToString(v)
			}
			op.Actions = append(op.Actions, cmd)
		}
		return op, nil
	default:
		return nil, errf(KindProtocol, "unsupported operation: %s", env.OperationType)
	}
}

// rawToString renders a scalar JSON parameter value as display text.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Result is the terminal outcome of one delivery session. Immutable.
type Result struct {
	SessionID    string
	Success      bool
	Message      string
	ScriptStatus *string
}

// String renders the result for logs.
func (r *Result) String() string {
	out := fmt.Sprintf("session %s: success=%t message=%q", r.SessionID, r.Success, r.Message)
	if r.ScriptStatus != nil {
		out += fmt.Sprintf(" scriptStatus=%q", *r.ScriptStatus)
	}
	return out
}
