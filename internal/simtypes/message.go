package simtypes

// MessageContent is the structured payload carried by a Message. It is kept
// as a map (rather than a fixed struct) because the tick engine and LLM
// response generator both round-trip arbitrary fields through it, and
// encoding/json serializes map[string]any with sorted keys, which keeps
// hashing and LLM-facing rendering deterministic.
type MessageContent map[string]any

// Well-known content flags.
const (
	FlagExpectResponse = "expect_response"
	FlagIsStub         = "is_stub"
	FlagStubHash       = "stub_hash"
	FlagDelegation     = "delegation"
	FlagFinalAnswer    = "final_answer"
	FlagInResponseTo   = "in_response_to"
	FlagText           = "text"
)

// Bool returns content[key] coerced to bool, defaulting to false.
func (c MessageContent) Bool(key string) bool {
	v, _ := c[key].(bool)
	return v
}

// String returns content[key] coerced to string, defaulting to "".
func (c MessageContent) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// ExpectsResponse reports whether the message requests an automated reply.
func (c MessageContent) ExpectsResponse() bool {
	return c.Bool(FlagExpectResponse) || c.Bool("expects_response")
}

// Message is one entry in a session's message queue.
type Message struct {
	MessageID      string         `json:"message_id"`
	FromAgent      string         `json:"from_agent"`
	ToAgent        string         `json:"to_agent"`
	Content        MessageContent `json:"content"`
	TickCreated    int            `json:"tick_created"`
	TickDelivered  *int           `json:"tick_delivered,omitempty"`
	IsDelivered    bool           `json:"is_delivered"`
	IsBlocked      bool           `json:"is_blocked"`
	BlockedReason  string         `json:"blocked_reason,omitempty"`
}
