package writer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"predflow/logger"
	"predflow/models"
)

// LoadEvents reads every recorded event for a venue whose event timestamp
// falls in [start, end], across all overlapping hourly buckets, sorted by
// timestamp. Records that fail to decode are skipped with a warning.
func LoadEvents(dataDir, venueID string, start, end time.Time) ([]models.Event, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("replay window ends before it starts")
	}
	log := logger.GetLogger().WithComponent("replay")

	startNs := start.UnixNano()
	endNs := end.UnixNano()

	var records []models.RecordedEvent
	for hour := start.UTC().Truncate(time.Hour); !hour.After(end.UTC()); hour = hour.Add(time.Hour) {
		path := bucketPath(dataDir, venueID, hour)
		bucket, err := readBucket(path)
		if err != nil {
			return nil, err
		}
		for _, rec := range bucket {
			if rec.TsNs >= startNs && rec.TsNs <= endNs {
				records = append(records, rec)
			}
		}
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].TsNs < records[j].TsNs })

	events := make([]models.Event, 0, len(records))
	for _, rec := range records {
		ev, err := rec.Decode()
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"event_type": rec.EventType,
				"ts_ns":      rec.TsNs,
			}).Warn("skipping undecodable record")
			continue
		}
		events = append(events, ev)
	}

	log.WithFields(logger.Fields{
		"venue":  venueID,
		"events": len(events),
		"start":  start.UTC().Format(time.RFC3339),
		"end":    end.UTC().Format(time.RFC3339),
	}).Info("loaded recorded events")
	return events, nil
}

// Replayer re-emits recorded events on an absolute schedule derived from
// their original receive times, scaled by the speed multiplier (2.0 plays
// twice as fast). Speed 0 means as fast as possible.
type Replayer struct {
	speed float64
	log   *logger.Log

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewReplayer(speed float64) *Replayer {
	return &Replayer{
		speed: speed,
		log:   logger.GetLogger(),
		now:   time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Replay delivers events to emit in order. Each event is held until
// wall-clock time reaches replay-start plus its scaled receive-time offset,
// so sleep overshoot on one event does not push every later event back.
// Returns the number of events delivered.
func (r *Replayer) Replay(ctx context.Context, events []models.Event, emit func(models.Event)) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	sessionID := uuid.New().String()
	log := r.log.WithComponent("replay").WithFields(logger.Fields{"session": sessionID})
	log.WithFields(logger.Fields{
		"events": len(events),
		"speed":  r.speed,
	}).Info("replay session started")

	base := events[0].TsReceivedNs
	replayStart := r.now()
	var prevOffset time.Duration
	delivered := 0

	for _, ev := range events {
		offset := time.Duration(ev.TsReceivedNs - base)
		if offset < prevOffset {
			offset = prevOffset
		}
		prevOffset = offset

		if r.speed > 0 {
			target := replayStart.Add(time.Duration(float64(offset) / r.speed))
			if wait := target.Sub(r.now()); wait > 0 {
				if err := r.sleep(ctx, wait); err != nil {
					log.WithFields(logger.Fields{"delivered": delivered}).Info("replay session cancelled")
					return delivered, err
				}
			}
		}

		emit(ev)
		delivered++
	}

	logger.IncrementReplayedEvents(delivered)
	log.WithFields(logger.Fields{"delivered": delivered}).Info("replay session finished")
	return delivered, nil
}
