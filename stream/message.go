package stream

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// wireMessage is the backend's JSON envelope. Every key is optional; the
// client reacts to whichever ones are present.
type wireMessage struct {
	Image         string    // Base64 encoded frame
	Stage         string    // Classified phase label
	Confidences   []float64 // Percent score per catalog phase
	InferenceTime float64   // Milliseconds
	ElapsedTime   float64   // Seconds since stream start
	Cached        bool      // Prediction reused from the previous frame
	Timestamp     float64   // Backend unix time, fractional seconds

	Status           string // "connected" hello or "success" on acks
	StatusUpdate     bool   // Periodic backend status
	Error            string // Backend-side failure text
	CommandAck       string // Echo of an accepted command
	FPS              float64
	ModelInfo        string
	Resolution       string // e.g. "1280x720"
	AvgInferenceTime millis
	Paused           bool
	WebcamMode       bool

	// fieldErr joins the decode errors of individual keys. The remaining
	// keys are still usable when it is set.
	fieldErr error
}

var wireKeys = []string{
	"image", "stage", "confidences", "inference_time", "elapsed_time", "cached", "timestamp",
	"status", "status_update", "error", "command_ack", "fps", "model_info", "resolution",
	"avg_inference_time", "paused", "webcam_mode",
}

func (m *wireMessage) target(key string) any {
	switch key {
	case "image":
		return &m.Image
	case "stage":
		return &m.Stage
	case "confidences":
		return &m.Confidences
	case "inference_time":
		return &m.InferenceTime
	case "elapsed_time":
		return &m.ElapsedTime
	case "cached":
		return &m.Cached
	case "timestamp":
		return &m.Timestamp
	case "status":
		return &m.Status
	case "status_update":
		return &m.StatusUpdate
	case "error":
		return &m.Error
	case "command_ack":
		return &m.CommandAck
	case "fps":
		return &m.FPS
	case "model_info":
		return &m.ModelInfo
	case "resolution":
		return &m.Resolution
	case "avg_inference_time":
		return &m.AvgInferenceTime
	case "paused":
		return &m.Paused
	case "webcam_mode":
		return &m.WebcamMode
	}
	return nil
}

// millis is a latency in milliseconds. The backend reports averages as
// display text ("41.27 ms", or "Unknown" before the first inference), so
// both numbers and such strings are accepted. Unknown decodes as zero.
type millis float64

func (m *millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	text := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "ms"))
		if text == "" || strings.EqualFold(text, "unknown") {
			*m = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("latency %q is not a number of milliseconds", text)
	}
	*m = millis(v)
	return nil
}

// StatusKind classifies backend messages that carry no classification.
type StatusKind int

const (
	StatusHello       StatusKind = iota + 1 // Stream opened on the backend
	StatusUpdate                            // Periodic model/resolution report
	StatusServerError                       // Backend reported an error
	StatusCommandAck                        // Backend applied a command
)

func (k StatusKind) String() string {
	switch k {
	case StatusHello:
		return "hello"
	case StatusUpdate:
		return "update"
	case StatusServerError:
		return "server-error"
	case StatusCommandAck:
		return "command-ack"
	default:
		return "unknown"
	}
}

// Status is a decoded backend status message.
type Status struct {
	Kind           StatusKind
	Message        string  // Error text, or the raw status word
	Command        Command // Set for StatusCommandAck
	FPS            float64
	ModelInfo      string
	Resolution     string
	AvgInferenceMs float64
	Paused         bool
	WebcamMode     bool
	Timestamp      time.Time // Zero when the backend sent none
}

// decodeMessage parses one text frame. It fails only when data is not a
// JSON object; keys with unexpected types are reported through fieldErr.
func decodeMessage(data []byte) (*wireMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty message")
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("expected JSON object, got %q", preview(trimmed))
	}
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	msg := &wireMessage{}
	var errs []error
	for _, key := range wireKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, msg.target(key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	msg.fieldErr = errors.Join(errs...)
	return msg, nil
}

func decodeFrame(payload string) ([]byte, error) {
	frame, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("image payload: %w", err)
	}
	return frame, nil
}

// status extracts the status portion of msg, if any. An acknowledgement
// outranks an error, which outranks a periodic update or hello.
func (m *wireMessage) status() (Status, bool) {
	st := Status{
		FPS:            m.FPS,
		ModelInfo:      m.ModelInfo,
		Resolution:     m.Resolution,
		AvgInferenceMs: float64(m.AvgInferenceTime),
		Paused:         m.Paused,
		WebcamMode:     m.WebcamMode,
		Timestamp:      unixSeconds(m.Timestamp),
	}
	switch {
	case m.CommandAck != "":
		st.Kind = StatusCommandAck
		st.Command = Command(m.CommandAck)
		st.Message = m.Status
	case m.Error != "":
		st.Kind = StatusServerError
		st.Message = m.Error
	case m.StatusUpdate:
		st.Kind = StatusUpdate
	case m.Status != "":
		st.Kind = StatusHello
		st.Message = m.Status
	default:
		return Status{}, false
	}
	return st, true
}

func unixSeconds(ts float64) time.Time {
	if ts <= 0 || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func preview(b []byte) string {
	const max = 32
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// Command is a control instruction understood by the backend.
type Command string

const (
	CommandPause           Command = "pause"
	CommandResume          Command = "resume"
	CommandSwitchToWebcam  Command = "switch_to_webcam"
	CommandSwitchToBackend Command = "switch_to_backend"
)

// Valid reports whether the backend accepts c.
func (c Command) Valid() bool {
	switch c {
	case CommandPause, CommandResume, CommandSwitchToWebcam, CommandSwitchToBackend:
		return true
	}
	return false
}

type commandMessage struct {
	Command Command `json:"command"`
}

func encodeCommand(c Command) ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, string(c))
	}
	return json.Marshal(commandMessage{Command: c})
}
