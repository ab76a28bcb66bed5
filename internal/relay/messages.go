package relay

// Message types exchanged with the live client.
const (
	TypeConfig    = "config"
	TypeEOS       = "eos"
	TypeSTTResult = "stt_result"
	TypeEOSAck    = "eos_ack"
	TypeError     = "error"
)

// ClientMessage is a JSON control frame sent by the client.
type ClientMessage struct {
	Type       string `json:"type"`
	SampleRate *int   `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// ResultMessage carries one upstream result to the client. Seq is the
// upstream's sequence number, passed through unmodified.
type ResultMessage struct {
	Type     string `json:"type"`
	Seq      int    `json:"seq"`
	Final    bool   `json:"final"`
	Text     string `json:"text"`
	StartAt  int64  `json:"start_at"`
	Duration int64  `json:"duration"`
}

// AckMessage tells the client that no further results will arrive.
type AckMessage struct {
	Type string `json:"type"`
}

// ErrorMessage reports a relay failure to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
