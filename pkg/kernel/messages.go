// Package kernel describes the wire contract exposed by the in-sandbox
// kernel executor (§4.5): an NDJSON stream of execution events consumed
// by the Execution Proxy as opaque, unparsed bytes. These types document
// the message shapes only: the gateway never unmarshals them, and no code
// or test in this module constructs them.
package kernel

// OutputType discriminates the five message shapes the kernel executor
// emits on its /execute stream.
type OutputType string

const (
	OutputStream        OutputType = "stream"
	OutputDisplayData   OutputType = "display_data"
	OutputExecuteResult OutputType = "execute_result"
	OutputError         OutputType = "error"
	OutputStatus        OutputType = "status"
)

// ExecutionState is the value of a StatusMessage's ExecutionState field.
// The stream terminates on an ErrorMessage or a StatusMessage with
// ExecutionState == ExecutionIdle.
type ExecutionState string

const (
	ExecutionIdle ExecutionState = "idle"
	ExecutionBusy ExecutionState = "busy"
)

// StreamMessage carries raw stdout/stderr text.
type StreamMessage struct {
	OutputType OutputType `json:"output_type"`
	Name       string     `json:"name"` // stdout or stderr
	Text       string     `json:"text"`
}

// DisplayDataMessage carries rich display output (e.g. a plotted figure)
// keyed by MIME type.
type DisplayDataMessage struct {
	OutputType OutputType             `json:"output_type"`
	Data       map[string]interface{} `json:"data"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// ExecuteResultMessage carries the value of the last expression evaluated
// in a cell.
type ExecuteResultMessage struct {
	OutputType     OutputType             `json:"output_type"`
	ExecutionCount int                    `json:"execution_count"`
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// ErrorMessage carries an uncaught exception raised during execution.
// Its arrival ends the stream.
type ErrorMessage struct {
	OutputType OutputType `json:"output_type"`
	Ename      string     `json:"ename"`
	Evalue     string     `json:"evalue"`
	Traceback  []string   `json:"traceback"`
}

// StatusMessage reports the kernel's execution state. A message with
// ExecutionState == ExecutionIdle ends the stream.
type StatusMessage struct {
	OutputType     OutputType     `json:"output_type"`
	ExecutionState ExecutionState `json:"execution_state"`
}
