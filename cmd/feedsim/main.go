package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phasefeed/phase"
)

// feedsim stands in for the inference backend: it serves the classification
// stream on /ws/stream/ with synthetic phases, confidences and JPEG frames,
// and honors the pause/resume/source commands. Useful for exercising the
// client and dashboard without a camera or model.
func main() {
	var (
		addr           = flag.String("addr", ":8000", "listen address")
		interval       = flag.Duration("interval", 200*time.Millisecond, "gap between classification messages")
		statusInterval = flag.Duration("status-interval", 5*time.Second, "gap between status_update messages")
		phaseMessages  = flag.Int("phase-messages", 50, "messages per procedure step")
		flicker        = flag.Float64("flicker", 0.03, "chance a message reports the next phase early")
		cacheRatio     = flag.Float64("cache-ratio", 0.1, "chance a message reuses the previous prediction")
		frames         = flag.Bool("frames", true, "include base64 JPEG frames")
		seed           = flag.Uint64("seed", 1, "random seed")
	)
	flag.Parse()

	if *interval <= 0 {
		log.Fatalf("interval must be >0 (got %s)", interval.String())
	}
	if *phaseMessages <= 0 {
		log.Fatalf("phase-messages must be >0 (got %d)", *phaseMessages)
	}

	srv := newServer(phase.DefaultCatalog(), serverOptions{
		Interval:       *interval,
		StatusInterval: *statusInterval,
		Frames:         *frames,
		Scenario: scenarioConfig{
			PerPhase:   *phaseMessages,
			Flicker:    *flicker,
			CacheRatio: *cacheRatio,
			Seed:       *seed,
		},
	})
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Feedsim: serving %s on %s (interval=%s frames=%t)", streamPath, *addr, interval.String(), *frames)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Feedsim: listen: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Feedsim: received %v; shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Feedsim: shutdown: %v", err)
	}
	log.Printf("Feedsim: served %d sessions", srv.sessions.Load())
}
