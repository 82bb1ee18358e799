package harness

// Trace event kinds.
const (
	EventFault       = "fault"
	EventTamper      = "tamper"
	EventDrift       = "drift"
	EventDeploy      = "deploy"
	EventCut         = "cut"
	EventInitializer = "initializer"
	EventWarning     = "warning"
	EventStatus      = "status"
	EventCallback    = "callback"
	EventHookFailed  = "hook_failed"
	EventError       = "error"
)

// TraceEvent is one observable effect of a scenario step.
type TraceEvent struct {
	Step    int    `json:"step"`
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail,omitempty"`
}

// Name is the "kind subject" form assertions match against.
func (e TraceEvent) Name() string {
	if e.Subject == "" {
		return e.Kind
	}
	return e.Kind + " " + e.Subject
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists events of all steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends an event to the trace.
func (r *Result) AddEvent(step int, kind, subject, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Kind: kind, Subject: subject, Detail: detail})
}
