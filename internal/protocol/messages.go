package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnknownEnvelope reports a text frame that is neither an event, a request nor a response.
var ErrUnknownEnvelope = errors.New("protocol: unknown envelope")

// Stream tags carried in binary frames.
const (
	StreamTagRecord = "record"
	StreamTagPlay   = "play"
)

// Event names pushed by the on-device agent.
const (
	EventPlaying     = "playing"
	EventInstruction = "instruction"
	EventKws         = "kws"
)

// Commands understood by the on-device agent.
const (
	CommandRunShell       = "run_shell"
	CommandStartPlay      = "start_play"
	CommandStopPlay       = "stop_play"
	CommandStartRecording = "start_recording"
	CommandStopRecording  = "stop_recording"
	CommandGetVersion     = "get_version"
)

// Event is a notification from the device.
type Event struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Request invokes a device command.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Payload any    `json:"payload,omitempty"`
}

// Response answers a Request with the same ID. Code 0 means success.
type Response struct {
	ID   string          `json:"id"`
	Code *int            `json:"code,omitempty"`
	Msg  *string         `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Stream is the JSON body of a binary frame.
type Stream struct {
	ID    string          `json:"id"`
	Tag   string          `json:"tag"`
	Bytes Bytes           `json:"bytes"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Bytes is a byte slice encoded as a JSON array of numbers. Base64 strings
// are accepted on decode.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, len(b)*4+2)
	buf = append(buf, '[')
	for i, v := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	return append(buf, ']'), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*b = raw
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("protocol: byte value %d out of range", n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Envelope is the externally tagged wrapper of a text frame. Exactly one field is set.
type Envelope struct {
	Event    *Event    `json:"Event,omitempty"`
	Request  *Request  `json:"Request,omitempty"`
	Response *Response `json:"Response,omitempty"`
}

// ShellResult is the data of a run_shell response.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// AudioConfig is the optional payload of start_play and start_recording.
type AudioConfig struct {
	PCM           string `json:"pcm,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	BitsPerSample int    `json:"bits_per_sample,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	PeriodSize    int    `json:"period_size,omitempty"`
	BufferSize    int    `json:"buffer_size,omitempty"`
}

// InstructionLog is one line of the speaker's instruction log.
type InstructionLog struct {
	Header struct {
		Namespace string `json:"namespace"`
		Name      string `json:"name"`
	} `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// RecognizeResult is the payload of a SpeechRecognizer.RecognizeResult instruction.
type RecognizeResult struct {
	IsFinal    bool `json:"is_final"`
	IsVadBegin bool `json:"is_vad_begin"`
	Results    []struct {
		Text string `json:"text"`
	} `json:"results"`
}

// DecodeEnvelope parses a text frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == nil && env.Request == nil && env.Response == nil {
		return Envelope{}, fmt.Errorf("%w: %.64s", ErrUnknownEnvelope, data)
	}
	return env, nil
}

// Success reports whether the response carries no error code.
func (r *Response) Success() bool {
	return r.Code == nil || *r.Code == 0
}

// Message returns the response's error message, if any.
func (r *Response) Message() string {
	if r.Msg == nil {
		return ""
	}
	return *r.Msg
}

// InstructionLine extracts the log line carried by an instruction event.
// The agent sends either the raw line as a JSON string or the literal "NewFile".
func (e *Event) InstructionLine() (InstructionLog, bool) {
	var line string
	if err := json.Unmarshal(e.Data, &line); err != nil || line == "" || line == "NewFile" {
		return InstructionLog{}, false
	}
	var log InstructionLog
	if err := json.Unmarshal([]byte(line), &log); err != nil {
		return InstructionLog{}, false
	}
	return log, true
}

// StringData decodes the event data as a string.
func (e *Event) StringData() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return ""
	}
	return s
}
