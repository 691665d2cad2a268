package writer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"predflow/config"
	"predflow/logger"
	"predflow/models"
)

// Recorder buffers normalized events per venue and flushes them into hourly
// parquet buckets, either when a buffer reaches the configured size or when
// the flush interval has elapsed since that venue's last flush. A failed
// flush puts the records back at the front of the buffer so order is
// preserved for the retry.
type Recorder struct {
	cfg *config.Config
	log *logger.Log
	now func() time.Time

	mu        sync.Mutex
	buffers   map[string][]models.RecordedEvent
	lastFlush map[string]time.Time
	flushMu   map[string]*sync.Mutex

	runMu   sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewRecorder(cfg *config.Config) *Recorder {
	return &Recorder{
		cfg:       cfg,
		log:       logger.GetLogger(),
		now:       time.Now,
		buffers:   make(map[string][]models.RecordedEvent),
		lastFlush: make(map[string]time.Time),
		flushMu:   make(map[string]*sync.Mutex),
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.flushLoop(ctx)

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"data_dir":       r.cfg.Recorder.DataDir,
		"flush_size":     r.cfg.Recorder.FlushSize,
		"flush_interval": r.cfg.Recorder.FlushInterval.String(),
	}).Info("recorder started")
	return nil
}

// Stop flushes every buffer unconditionally and halts the timer.
func (r *Recorder) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.runMu.Unlock()

	r.wg.Wait()
	r.FlushAll()
	r.log.WithComponent("recorder").Info("recorder stopped")
}

// Record buffers one event. Registered as a bus handler.
func (r *Recorder) Record(ev models.Event) {
	rec, err := models.NewRecordedEvent(ev)
	if err != nil {
		r.log.WithComponent("recorder").WithError(err).Warn("dropping unencodable event")
		return
	}

	r.mu.Lock()
	if _, ok := r.lastFlush[ev.VenueID]; !ok {
		// Start the venue's interval clock on its first record.
		r.lastFlush[ev.VenueID] = r.now()
	}
	r.buffers[ev.VenueID] = append(r.buffers[ev.VenueID], rec)
	full := len(r.buffers[ev.VenueID]) >= r.cfg.Recorder.FlushSize
	r.mu.Unlock()

	if full {
		r.flushVenue(ev.VenueID)
	}
}

// PendingCount reports buffered records for one venue.
func (r *Recorder) PendingCount(venueID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers[venueID])
}

func (r *Recorder) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	// Tick faster than the flush interval so each venue is flushed close to
	// FlushInterval after its own last flush, whatever triggered that flush.
	tick := r.cfg.Recorder.FlushInterval / 4
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.flushDue()
		}
	}
}

// flushDue flushes every venue whose buffer is non-empty and whose last
// flush is at least FlushInterval in the past.
func (r *Recorder) flushDue() {
	now := r.now()

	r.mu.Lock()
	due := make([]string, 0, len(r.buffers))
	for venueID, records := range r.buffers {
		if len(records) == 0 {
			continue
		}
		if now.Sub(r.lastFlush[venueID]) >= r.cfg.Recorder.FlushInterval {
			due = append(due, venueID)
		}
	}
	r.mu.Unlock()

	for _, venueID := range due {
		r.flushVenue(venueID)
	}
}

// FlushAll flushes every venue's buffer.
func (r *Recorder) FlushAll() {
	r.mu.Lock()
	venues := make([]string, 0, len(r.buffers))
	for venueID := range r.buffers {
		venues = append(venues, venueID)
	}
	r.mu.Unlock()

	for _, venueID := range venues {
		r.flushVenue(venueID)
	}
}

// flushVenue drains and persists one venue's buffer. The per-venue flush
// lock is held across the bucket merges: the size trigger fires on the bus
// goroutine and the interval trigger on the flush loop, and an unserialized
// read-modify-write of the same hourly bucket would drop one side's rows.
func (r *Recorder) flushVenue(venueID string) {
	lock := r.venueFlushLock(venueID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	records := r.buffers[venueID]
	r.buffers[venueID] = nil
	r.lastFlush[venueID] = r.now()
	r.mu.Unlock()

	if len(records) == 0 {
		return
	}

	failed := r.flushRecords(venueID, records)
	if len(failed) > 0 {
		r.mu.Lock()
		r.buffers[venueID] = append(failed, r.buffers[venueID]...)
		r.mu.Unlock()
	}
}

func (r *Recorder) venueFlushLock(venueID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock := r.flushMu[venueID]
	if lock == nil {
		lock = &sync.Mutex{}
		r.flushMu[venueID] = lock
	}
	return lock
}

// flushRecords groups records into hourly buckets by event timestamp and
// merges each group into its bucket, updating the day index. Records whose
// bucket write failed are returned for requeueing.
func (r *Recorder) flushRecords(venueID string, records []models.RecordedEvent) []models.RecordedEvent {
	log := r.log.WithComponent("recorder")
	start := time.Now()

	groups := make(map[time.Time][]models.RecordedEvent)
	for _, rec := range records {
		hour := time.Unix(0, rec.TsNs).UTC().Truncate(time.Hour)
		groups[hour] = append(groups[hour], rec)
	}
	hours := make([]time.Time, 0, len(groups))
	for hour := range groups {
		hours = append(hours, hour)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	var failed []models.RecordedEvent
	var flushed int
	for _, hour := range hours {
		group := groups[hour]
		path := bucketPath(r.cfg.Recorder.DataDir, venueID, hour)

		total, err := mergeBucket(path, group)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"bucket":  path,
				"records": len(group),
			}).Error("bucket flush failed, requeueing")
			failed = append(failed, group...)
			continue
		}
		if err := updateIndex(r.cfg.Recorder.DataDir, venueID, hour, total); err != nil {
			log.WithError(err).WithFields(logger.Fields{"bucket": path}).Warn("index update failed")
		}
		flushed += len(group)
	}

	if flushed > 0 {
		logger.IncrementRecordsFlushed(flushed, 0)
		logger.LogDataFlowEntry(log, "recorder", "parquet", flushed, "events")
		logger.LogPerformanceEntry(log, "recorder", "flush", time.Since(start), logger.Fields{
			"venue":   venueID,
			"records": flushed,
			"buckets": len(hours),
		})
	}
	return failed
}
