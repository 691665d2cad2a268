package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"predflow/logger"
	"predflow/models"
	"predflow/writer"
)

// predflow-replay streams recorded events from the parquet archive to
// stdout as JSON lines, pacing them by their original receive times.
func main() {
	log := logger.GetLogger()

	dataDir := flag.String("data", "data", "Recorded data directory")
	venueID := flag.String("venue", "kalshi", "Venue to replay")
	startStr := flag.String("start", "", "Window start (RFC3339)")
	endStr := flag.String("end", "", "Window end (RFC3339)")
	speed := flag.Float64("speed", 1.0, "Speed multiplier (2.0 = twice as fast, 0 = no pacing)")
	logLevel := flag.String("log-level", "warning", "Log level")
	flag.Parse()

	if err := log.Configure(*logLevel, "text", "stderr", 0); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	start, err := time.Parse(time.RFC3339, *startStr)
	if err != nil {
		log.WithError(err).Error("invalid -start, expected RFC3339")
		os.Exit(1)
	}
	end, err := time.Parse(time.RFC3339, *endStr)
	if err != nil {
		log.WithError(err).Error("invalid -end, expected RFC3339")
		os.Exit(1)
	}

	events, err := writer.LoadEvents(*dataDir, *venueID, start, end)
	if err != nil {
		log.WithError(err).Error("failed to load recorded events")
		os.Exit(1)
	}
	if len(events) == 0 {
		log.WithFields(logger.Fields{"venue": *venueID}).Warn("no events in window")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	replayer := writer.NewReplayer(*speed)
	delivered, err := replayer.Replay(ctx, events, func(ev models.Event) {
		if err := enc.Encode(ev); err != nil {
			log.WithError(err).Error("failed to write event")
		}
	})
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("replay failed")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{"delivered": delivered}).Info("replay complete")
}
