package adapter

// Control protocol message types, NDJSON over a websocket.
const (
	MsgHello                 = "hello"
	MsgReady                 = "ready"
	MsgStep                  = "step"
	MsgClarification         = "clarification"
	MsgClarificationResponse = "clarification_response"
	MsgUsage                 = "usage"
	MsgResult                = "result"
	MsgInterrupt             = "interrupt"
	MsgShutdown              = "shutdown"
	MsgError                 = "error"
)

// Envelope is every message on the control channel. Each type uses a
// subset of the fields.
type Envelope struct {
	Type string `json:"type"`

	// hello (engine → framework)
	RunID     string `json:"run_id,omitempty"`
	Framework string `json:"framework,omitempty"`
	Workspace string `json:"workspace,omitempty"`

	// ready (framework → engine)
	Commit string `json:"commit,omitempty"`

	// step (engine → framework)
	Step    int    `json:"step,omitempty"`
	Command string `json:"command,omitempty"`

	// clarification / clarification_response
	RequestID string `json:"request_id,omitempty"`
	Query     string `json:"query,omitempty"`
	Response  string `json:"response,omitempty"`
	Guided    *bool  `json:"guided,omitempty"`

	// usage (framework → engine)
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`

	// result (framework → engine)
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// interrupt (engine → framework)
	Force bool `json:"force,omitempty"`
}
