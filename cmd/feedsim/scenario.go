package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"phasefeed/phase"
	"phasefeed/stream"
)

// procedure is the order an ESD case usually moves through. Dissection is
// revisited after a top-up injection.
var procedure = []string{
	"marking",
	"submucosal_injection",
	"circumcision",
	"submucosal_dissection",
	"additional_injection",
	"submucosal_dissection",
	"installation",
}

const (
	frameWidth  = 160
	frameHeight = 120
	modelInfo   = "feedsim-resnet50"
)

// classification mirrors the backend's per-frame message.
type classification struct {
	Image         string    `json:"image,omitempty"`
	Stage         string    `json:"stage"`
	Confidences   []float64 `json:"confidences"`
	InferenceTime float64   `json:"inference_time"`
	ElapsedTime   float64   `json:"elapsed_time"`
	Cached        bool      `json:"cached,omitempty"`
	Timestamp     float64   `json:"timestamp"`
}

type statusMessage struct {
	Status           string  `json:"status,omitempty"`
	StatusUpdate     bool    `json:"status_update,omitempty"`
	CommandAck       string  `json:"command_ack,omitempty"`
	Error            string  `json:"error,omitempty"`
	FPS              float64 `json:"fps,omitempty"`
	ModelInfo        string  `json:"model_info,omitempty"`
	Resolution       string  `json:"resolution,omitempty"`
	AvgInferenceTime string  `json:"avg_inference_time,omitempty"`
	Paused           bool    `json:"paused"`
	WebcamMode       bool    `json:"webcam_mode"`
	Timestamp        float64 `json:"timestamp,omitempty"`
}

type commandMessage struct {
	Command string `json:"command"`
}

// scenario generates one connection's worth of synthetic classifications.
// It is not safe for concurrent use; each connection owns one.
type scenario struct {
	catalog    *phase.Catalog
	steps      []string
	perPhase   int
	flicker    float64
	cacheRatio float64
	fps        float64
	rng        *rand.Rand
	start      time.Time

	sent      int
	last      classification
	inference []float64

	paused bool
	webcam bool
}

type scenarioConfig struct {
	PerPhase   int     // Messages per procedure step
	Flicker    float64 // Chance a message reports a neighbouring phase
	CacheRatio float64 // Chance a message reuses the previous prediction
	FPS        float64
	Seed       uint64
}

func newScenario(catalog *phase.Catalog, cfg scenarioConfig, start time.Time) *scenario {
	steps := make([]string, 0, len(procedure))
	for _, name := range procedure {
		if catalog.Index(name) >= 0 {
			steps = append(steps, name)
		}
	}
	if len(steps) == 0 {
		for _, def := range catalog.Definitions() {
			steps = append(steps, def.Name)
		}
	}
	if cfg.PerPhase <= 0 {
		cfg.PerPhase = 50
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 5
	}
	return &scenario{
		catalog:    catalog,
		steps:      steps,
		perPhase:   cfg.PerPhase,
		flicker:    cfg.Flicker,
		cacheRatio: cfg.CacheRatio,
		fps:        cfg.FPS,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		start:      start,
	}
}

// step returns the procedure step for the nth message, cycling at the end.
func (s *scenario) step(n int) string {
	return s.steps[(n/s.perPhase)%len(s.steps)]
}

// next builds the message for now. Frames are included unless withFrame is
// false.
func (s *scenario) next(now time.Time, withFrame bool) classification {
	n := s.sent
	s.sent++

	if n > 0 && s.rng.Float64() < s.cacheRatio {
		msg := s.last
		msg.Cached = true
		msg.ElapsedTime = now.Sub(s.start).Seconds()
		msg.Timestamp = unixSeconds(now)
		msg.Image = ""
		if withFrame {
			msg.Image = s.frame(msg.Stage, n)
		}
		return msg
	}

	stage := s.step(n)
	if s.rng.Float64() < s.flicker {
		stage = s.steps[(n/s.perPhase+1)%len(s.steps)]
	}
	msg := classification{
		Stage:         stage,
		Confidences:   s.confidences(stage),
		InferenceTime: 18 + s.rng.Float64()*22,
		ElapsedTime:   now.Sub(s.start).Seconds(),
		Timestamp:     unixSeconds(now),
	}
	if withFrame {
		msg.Image = s.frame(stage, n)
	}
	s.inference = append(s.inference, msg.InferenceTime)
	if len(s.inference) > 50 {
		s.inference = s.inference[1:]
	}
	s.last = msg
	return msg
}

// confidences puts 60-95% on stage and spreads the rest randomly; the
// scores sum to 100.
func (s *scenario) confidences(stage string) []float64 {
	out := make([]float64, s.catalog.Len())
	winner := s.catalog.Index(stage)
	top := 60 + s.rng.Float64()*35
	weights := make([]float64, len(out))
	var total float64
	for i := range weights {
		if i == winner {
			continue
		}
		weights[i] = s.rng.Float64() + 0.01
		total += weights[i]
	}
	for i := range out {
		if i == winner {
			out[i] = round1(top)
			continue
		}
		out[i] = round1((100 - top) * weights[i] / total)
	}
	return out
}

func (s *scenario) hello() statusMessage {
	return statusMessage{Status: "connected", FPS: s.fps, Paused: s.paused, WebcamMode: s.webcam}
}

func (s *scenario) statusUpdate(now time.Time) statusMessage {
	return statusMessage{
		StatusUpdate:     true,
		ModelInfo:        modelInfo,
		Resolution:       fmt.Sprintf("%dx%d", frameWidth, frameHeight),
		AvgInferenceTime: avgInferenceText(s.inference),
		Paused:           s.paused,
		WebcamMode:       s.webcam,
		Timestamp:        unixSeconds(now),
	}
}

// apply executes a control command and returns the reply to send.
func (s *scenario) apply(cmd string) statusMessage {
	switch stream.Command(cmd) {
	case stream.CommandPause:
		s.paused = true
	case stream.CommandResume:
		s.paused = false
	case stream.CommandSwitchToWebcam:
		s.webcam = true
	case stream.CommandSwitchToBackend:
		s.webcam = false
	default:
		return statusMessage{Error: "unknown command: " + strconv.Quote(cmd), Paused: s.paused, WebcamMode: s.webcam}
	}
	return statusMessage{CommandAck: cmd, Status: "success", Paused: s.paused, WebcamMode: s.webcam}
}

// frame renders a small JPEG in the phase color with a sweep line that moves
// per message, so consecutive frames differ. Webcam mode renders grayscale.
func (s *scenario) frame(stage string, n int) string {
	base := parseHexColor(s.catalog.Color(stage))
	if s.webcam {
		y := uint8((uint16(base.R) + uint16(base.G) + uint16(base.B)) / 3)
		base = color.RGBA{R: y, G: y, B: y, A: 255}
	}
	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	sweep := n % frameWidth
	for y := 0; y < frameHeight; y++ {
		for x := 0; x < frameWidth; x++ {
			c := base
			if x == sweep || x == (sweep+1)%frameWidth {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func parseHexColor(hex string) color.RGBA {
	hex = strings.TrimPrefix(hex, "#")
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil || len(hex) != 6 {
		return color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 255}
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// avgInferenceText renders the running mean the way the backend reports it.
func avgInferenceText(samples []float64) string {
	if len(samples) == 0 {
		return "Unknown"
	}
	return fmt.Sprintf("%.2f ms", mean(samples))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
