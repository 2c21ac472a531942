package delegate

import "encoding/json"

// Envelope kinds carried over the transport.
const (
	KindSubtask = "subtask"
	KindResult  = "result"
)

// Envelope is the JSON wire frame for one delegation exchange. A subtask
// envelope carries Task, Depth and correlation metadata; the matching
// result envelope echoes SubID with either Result or Error set.
type Envelope struct {
	Kind    string `json:"kind"`
	SubID   string `json:"sub_id"`
	Task    string `json:"task,omitempty"`
	Depth   int    `json:"depth,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	Summary string `json:"summary,omitempty"`
	Schema  string `json:"schema,omitempty"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses text as an envelope. It reports false for messages that
// are not envelopes so transports can ignore unrelated traffic.
func Decode(text string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return Envelope{}, false
	}
	if env.Kind != KindSubtask && env.Kind != KindResult {
		return Envelope{}, false
	}
	if env.SubID == "" {
		return Envelope{}, false
	}
	return env, true
}
