package stream

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeMessageRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{"", "   ", "null", "[1,2]", `"stage"`, "42", "{broken"} {
		if _, err := decodeMessage([]byte(raw)); err == nil {
			t.Fatalf("decodeMessage(%q) succeeded, want error", raw)
		}
	}
}

func TestDecodeMessageFields(t *testing.T) {
	msg, err := decodeMessage([]byte(`  {"stage":"suturing","confidences":[1,2,3,4,5,85],
		"inference_time":31.2,"elapsed_time":125.5,"cached":true,"timestamp":1700000000.25}`))
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Stage != "suturing" || len(msg.Confidences) != 6 || msg.Confidences[5] != 85 {
		t.Fatalf("decoded = %+v", msg)
	}
	if msg.InferenceTime != 31.2 || msg.ElapsedTime != 125.5 || !msg.Cached {
		t.Fatalf("decoded = %+v", msg)
	}
	if _, ok := msg.status(); ok {
		t.Fatalf("classification reported as status")
	}
}

func TestStatusPrecedence(t *testing.T) {
	cases := []struct {
		raw  string
		kind StatusKind
	}{
		{`{"status":"connected","fps":30}`, StatusHello},
		{`{"status_update":true,"model_info":"resnet","resolution":"1280x720","avg_inference_time":"41.27 ms"}`, StatusUpdate},
		{`{"error":"no camera","status_update":true}`, StatusServerError},
		{`{"command_ack":"resume","status":"success","error":"ignored"}`, StatusCommandAck},
	}
	for _, tc := range cases {
		msg, err := decodeMessage([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decodeMessage(%s): %v", tc.raw, err)
		}
		st, ok := msg.status()
		if !ok || st.Kind != tc.kind {
			t.Fatalf("status(%s) = %v %v, want %v", tc.raw, st.Kind, ok, tc.kind)
		}
	}

	msg, _ := decodeMessage([]byte(`{"status_update":true,"model_info":"resnet","resolution":"1280x720","avg_inference_time":"41.27 ms"}`))
	st, _ := msg.status()
	if msg.fieldErr != nil || st.ModelInfo != "resnet" || st.Resolution != "1280x720" || st.AvgInferenceMs != 41.27 {
		t.Fatalf("update = %+v (field error %v)", st, msg.fieldErr)
	}
}

func TestAverageLatencyFormats(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{`40`, 40},
		{`38.5`, 38.5},
		{`"41.27 ms"`, 41.27},
		{`"41.27ms"`, 41.27},
		{`" 12 "`, 12},
		{`"Unknown"`, 0},
		{`null`, 0},
	}
	for _, tc := range cases {
		msg, err := decodeMessage([]byte(`{"status_update":true,"avg_inference_time":` + tc.raw + `}`))
		if err != nil {
			t.Fatalf("avg_inference_time %s: %v", tc.raw, err)
		}
		if msg.fieldErr != nil {
			t.Fatalf("avg_inference_time %s: %v", tc.raw, msg.fieldErr)
		}
		if float64(msg.AvgInferenceTime) != tc.want {
			t.Fatalf("avg_inference_time %s = %v, want %v", tc.raw, msg.AvgInferenceTime, tc.want)
		}
	}
	for _, raw := range []string{`"fast"`, `"12 s"`, `true`, `[1]`} {
		msg, err := decodeMessage([]byte(`{"status_update":true,"avg_inference_time":` + raw + `}`))
		if err != nil {
			t.Fatalf("avg_inference_time %s rejected the whole message: %v", raw, err)
		}
		if msg.fieldErr == nil || !msg.StatusUpdate {
			t.Fatalf("avg_inference_time %s: field=%v update=%v", raw, msg.fieldErr, msg.StatusUpdate)
		}
	}
}

func TestDecodeMessageKeepsWellTypedKeys(t *testing.T) {
	msg, err := decodeMessage([]byte(`{"stage":"marking","confidences":[90,10],"inference_time":"12.5","cached":"yes"}`))
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Stage != "marking" || len(msg.Confidences) != 2 || msg.Confidences[0] != 90 {
		t.Fatalf("decoded = %+v", msg)
	}
	if msg.InferenceTime != 0 || msg.Cached {
		t.Fatalf("mistyped keys should stay zero: %+v", msg)
	}
	if msg.fieldErr == nil {
		t.Fatalf("expected field error")
	}
	for _, key := range []string{"inference_time", "cached"} {
		if !strings.Contains(msg.fieldErr.Error(), key) {
			t.Fatalf("field error %q does not name %s", msg.fieldErr, key)
		}
	}
}

func TestDecodeFrame(t *testing.T) {
	frame, err := decodeFrame("/9j/4A==")
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(frame) != 4 || frame[0] != 0xFF || frame[1] != 0xD8 {
		t.Fatalf("frame = %x", frame)
	}
	if _, err := decodeFrame("not base64!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}

func TestEncodeCommand(t *testing.T) {
	payload, err := encodeCommand(CommandSwitchToBackend)
	if err != nil {
		t.Fatalf("encodeCommand: %v", err)
	}
	if string(payload) != `{"command":"switch_to_backend"}` {
		t.Fatalf("payload = %s", payload)
	}
	if _, err := encodeCommand(""); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("empty command error = %v", err)
	}
}

func TestUnixSeconds(t *testing.T) {
	got := unixSeconds(1700000000.5)
	want := time.Unix(1700000000, 500_000_000)
	if d := got.Sub(want); d > time.Millisecond || d < -time.Millisecond {
		t.Fatalf("unixSeconds = %v, want %v", got, want)
	}
	if !unixSeconds(0).IsZero() || !unixSeconds(-1).IsZero() {
		t.Fatalf("non-positive timestamps should map to zero time")
	}
}

func TestDefaultURL(t *testing.T) {
	if got := DefaultURL("", false); got != "ws://localhost:8000/ws/stream/" {
		t.Fatalf("DefaultURL = %q", got)
	}
	if got := DefaultURL("or.example:443", true); got != "wss://or.example:443/ws/stream/" {
		t.Fatalf("DefaultURL secure = %q", got)
	}
}
