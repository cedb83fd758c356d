// Program phasefeed follows the surgical-phase classification stream of the
// inference backend over WebSocket and renders it in a terminal dashboard
// (or headless log output). Sessions can be recorded to sqlite and phase
// changes published to MQTT.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"phasefeed/config"
	"phasefeed/emitter"
	"phasefeed/phase"
	"phasefeed/recorder"
	"phasefeed/stats"
	"phasefeed/stream"
	"phasefeed/ui"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "PHASEFEED_CONFIG_PATH"
	envWSURL          = "PHASEFEED_WS_URL"
)

// Version will be set at build time
var Version = "dev"

// Purpose: Report whether stdout is a TTY for UI gating.
// Key aspects: Uses term.IsTerminal on stdout fd.
// Upstream: main UI selection.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from env/default locations.
// Key aspects: Tries env override first, then the default config dir; when
// neither exists the built-in defaults are used. PHASEFEED_WS_URL overrides
// the endpoint either way.
// Upstream: main startup.
// Downstream: config.Load, config.Default and os.IsNotExist.
func loadConfig() (*config.Config, string, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var cfg *config.Config
	source := "built-in defaults"
	for _, path := range candidates {
		loaded, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, path, err
		}
		cfg, source = loaded, loaded.LoadedFrom
		break
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if url := strings.TrimSpace(os.Getenv(envWSURL)); url != "" {
		cfg.Stream.WSURL = url
		source += " (" + envWSURL + ")"
	}
	return cfg, source, nil
}

// Purpose: Pick the console surface for this run.
// Key aspects: tview and ansi need an interactive stdout; anything else is
// headless. The dashboard is returned separately for key bindings and the
// frame-rate readout.
// Upstream: main startup.
// Downstream: newDashboard, newANSIConsole, newHeadlessReporter.
func selectSurface(cfg *config.Config, catalog *phase.Catalog, tty bool) (ui.Surface, *dashboard) {
	mode := strings.ToLower(strings.TrimSpace(cfg.UI.Mode))
	switch mode {
	case config.UIModeHeadless:
		log.Printf("UI disabled (mode=headless)")
	case config.UIModeTView, config.UIModeANSI:
		if !tty {
			log.Printf("UI disabled (%s requires an interactive console)", mode)
			break
		}
		if mode == config.UIModeANSI {
			return newANSIConsole(cfg.UI, catalog, os.Stdout), nil
		}
		dash := newDashboard(cfg.UI, catalog, cfg.Stream.MaxReconnectAttempts)
		return dash, dash
	default:
		log.Printf("UI mode %q not recognized; defaulting to headless", mode)
	}
	return newHeadlessReporter(catalog), nil
}

// ownsConsole reports whether surface paints the terminal itself, in which
// case log lines are routed into it instead of stdout.
func ownsConsole(surface ui.Surface) bool {
	_, headless := surface.(*headlessReporter)
	return !headless
}

// Purpose: Program entrypoint; wires configuration, the stream client and
// its consumers, and manages graceful shutdown.
// Key aspects: Every consumer is a stream.Listener fanned out by stream.Multi.
// Upstream: OS process start.
// Downstream: stream.Client, dashboard/headless surface, recorder, emitter.
func main() {
	cfg, configSource, err := loadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	catalog, err := cfg.PhaseCatalog()
	if err != nil {
		log.Fatalf("Error building phase catalog: %v", err)
	}

	logFanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(logFanout)
	defer logFanout.Close()
	if logErr != nil {
		log.Printf("Warning: file logging disabled: %v", logErr)
	}

	surface, dash := selectSurface(cfg, catalog, isStdoutTTY())
	surface.WaitReady()
	interactive := ownsConsole(surface)
	if interactive {
		logFanout.SetConsole(surface.SystemWriter())
		surface.SetStats([]string{"Initializing..."})
	}

	log.Printf("Phase feed v%s starting...", Version)
	if !interactive {
		cfg.Print()
	} else {
		log.Printf("Configuration loaded from %s", configSource)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frameInterval := time.Duration(cfg.UI.FrameRateIntervalMS) * time.Millisecond
	tracker := stats.NewTracker(frameInterval)
	sampler := stats.NewRuntimeSampler()
	listeners := []stream.Listener{surface.Listener(), tracker.Listener()}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.Open(ctx, cfg.Recorder.Path, recorder.Options{
			QueueSize: cfg.Recorder.QueueSize,
			StreamURL: cfg.Stream.URL(),
		})
		if err != nil {
			log.Printf("Warning: session recorder disabled: %v", err)
			rec = nil
		} else {
			listeners = append(listeners, rec.Listener())
		}
	}

	var mqttEmitter *emitter.Emitter
	if cfg.MQTT.Enabled {
		connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
		mqttEmitter, err = emitter.Connect(connectCtx, emitter.Config{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			QoS:         byte(cfg.MQTT.QoS),
		}, catalog)
		connectCancel()
		if err != nil {
			log.Printf("Warning: MQTT emitter disabled: %v", err)
			mqttEmitter = nil
		} else {
			listeners = append(listeners, mqttEmitter.Listener())
			log.Printf("Publishing phase changes to %s", mqttEmitter.PhaseTopic())
		}
	}

	client := stream.NewClient(cfg.Stream.ClientConfig(), stream.Multi(listeners...))
	if dash != nil {
		dash.Bind(client)
	}
	client.Connect()

	statsInterval := time.Duration(cfg.UI.StatsIntervalSeconds) * time.Second
	// Purpose: Periodically emit stats to UI or logs.
	// Key aspects: Runs on ticker interval until shutdown.
	// Upstream: main startup.
	// Downstream: runStatsLoop.
	go runStatsLoop(ctx, statsInterval, tracker, sampler, surface, dash, interactive, logFanout, rec, mqttEmitter)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("Following %s. Press Ctrl+C to stop.", client.Config().URL)
	log.Printf("Statistics will be displayed every %s...", statsInterval)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
	case <-surface.Done():
		log.Printf("Quit requested from the console")
	}
	log.Println("Shutting down gracefully...")

	cancel()
	client.Stop()
	surface.Stop()
	if interactive {
		logFanout.SetConsole(os.Stdout)
	}
	if mqttEmitter != nil {
		mqttEmitter.Close()
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Printf("Warning: session recorder close: %v", err)
		}
	}
	for _, line := range collectStatsLines(tracker, sampler, rec, mqttEmitter) {
		log.Print(line)
	}
	log.Println("Phase feed stopped")
}

// Purpose: Sample the frame-rate meter and publish stats lines.
// Key aspects: A console-owning surface gets fresh stats every meter window
// and the stats interval writes them to the log file only; headless output
// gets them once per stats interval.
// Upstream: main.
// Downstream: stats.FrameMeter.Sample, collectStatsLines, ui.Surface.SetStats.
func runStatsLoop(ctx context.Context, interval time.Duration, tracker *stats.Tracker, sampler *stats.RuntimeSampler, surface ui.Surface, dash *dashboard, interactive bool, fanout *logFanout, rec *recorder.Recorder, em *emitter.Emitter) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	meterTicker := time.NewTicker(tracker.Meter().Interval())
	defer meterTicker.Stop()
	statsTicker := time.NewTicker(interval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-meterTicker.C:
			rate, ok := tracker.Meter().Sample()
			if dash != nil && ok {
				dash.SetFrameRate(rate)
			}
			if interactive {
				surface.SetStats(collectStatsLines(tracker, sampler, rec, em))
			}
		case now := <-statsTicker.C:
			lines := collectStatsLines(tracker, sampler, rec, em)
			if !interactive {
				surface.SetStats(lines)
				continue
			}
			for _, line := range lines {
				fanout.WriteFileOnlyLine(line, now)
			}
		}
	}
}

// Purpose: Build the stats block shown in the dashboard and logs.
// Key aspects: Recorder and emitter lines appear only when enabled; the
// runtime line is skipped when no sampler is given.
// Upstream: runStatsLoop and shutdown.
// Downstream: stats.Tracker.SnapshotLines, stats.RuntimeSampler, recorder and emitter counters.
func collectStatsLines(tracker *stats.Tracker, sampler *stats.RuntimeSampler, rec *recorder.Recorder, em *emitter.Emitter) []string {
	lines := tracker.SnapshotLines()
	if sampler != nil {
		lines = append(lines, sampler.Line())
	}
	if rec != nil {
		lines = append(lines, fmt.Sprintf("Recorder: session %s, %s written, %s dropped",
			shortID(rec.Session().ID), humanize.Comma(int64(rec.Written())), humanize.Comma(int64(rec.Dropped()))))
	}
	if em != nil {
		st := em.Stats()
		var published uint64
		for _, n := range st.Published {
			published += n
		}
		lines = append(lines, fmt.Sprintf("MQTT: %s published, %d errors, %d dropped",
			humanize.Comma(int64(published)), st.Errors, st.Dropped))
	}
	return lines
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
