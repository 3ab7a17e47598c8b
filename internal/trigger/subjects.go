package trigger

import (
	"encoding/json"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

// DefaultPrefix is the subject prefix the trigger surface listens under
const DefaultPrefix = "drs"

// Operations appended to the prefix
const (
	OpBegin          = "execution.begin"
	OpPoll           = "execution.poll"
	OpFinalize       = "execution.finalize"
	OpRequestCancel  = "execution.cancel"
	OpResume         = "pause.resume"
	OpCancelPaused   = "pause.cancel"
	OpCheckConflicts = "plan.conflicts"
)

// QueueGroup load-balances requests across orchestrator replicas
const QueueGroup = "drs-orchestrator"

// Error codes used when a failure carries no taxonomy code
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL_ERROR"
)

// Subject joins prefix and op
func Subject(prefix, op string) string {
	if prefix == "" {
		return op
	}
	return prefix + "." + op
}

// ErrorBody describes a failed operation
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Client is set when the caller can fix the request
	Client bool `json:"client"`
}

// Reply is the envelope every trigger response is wrapped in
type Reply struct {
	Error *ErrorBody      `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func errorBody(err error) *ErrorBody {
	code := model.ErrorCode(err)
	if code == "" {
		code = CodeInternal
	}
	return &ErrorBody{
		Code:    code,
		Message: err.Error(),
		Client:  model.IsClientError(err),
	}
}
