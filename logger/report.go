package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed       int64
	errorsRecorder   int64
	warnsFeed        int64
	warnsRecorder    int64
	framesRead       int64
	snapshotsApplied int64
	deltasApplied    int64
	recordsFlushed   int64
	archiveUploads   int64
	replayedEvents   int64
	streams          sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "recorder") || strings.Contains(component, "archiver") {
		atomic.AddInt64(&warnsRecorder, 1)
	} else {
		atomic.AddInt64(&warnsFeed, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "recorder") || strings.Contains(component, "archiver") {
		atomic.AddInt64(&errorsRecorder, 1)
	} else {
		atomic.AddInt64(&errorsFeed, 1)
	}
}

// IncrementFrameRead counts one inbound feed frame of the given size.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordStream("feed_ws", size)
}

// IncrementSnapshotApplied counts one book snapshot accepted by the
// synchronizer.
func IncrementSnapshotApplied() {
	atomic.AddInt64(&snapshotsApplied, 1)
}

// IncrementDeltaApplied counts one delta applied to a live book.
func IncrementDeltaApplied() {
	atomic.AddInt64(&deltasApplied, 1)
}

// IncrementRecordsFlushed counts records durably written by the recorder.
func IncrementRecordsFlushed(n int, size int64) {
	atomic.AddInt64(&recordsFlushed, int64(n))
	recordStream("recorder_flush", int(size))
}

// IncrementArchiveUpload counts one bucket archived to object storage.
func IncrementArchiveUpload(size int64) {
	atomic.AddInt64(&archiveUploads, 1)
	recordStream("s3_archive", int(size))
}

// IncrementReplayedEvents counts events delivered by the replay engine.
func IncrementReplayedEvents(n int) {
	atomic.AddInt64(&replayedEvents, int64(n))
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	cs := v.(*streamStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_feed":       atomic.LoadInt64(&errorsFeed),
		"errors_recorder":   atomic.LoadInt64(&errorsRecorder),
		"warns_feed":        atomic.LoadInt64(&warnsFeed),
		"warns_recorder":    atomic.LoadInt64(&warnsRecorder),
		"frames_read":       atomic.LoadInt64(&framesRead),
		"snapshots_applied": atomic.LoadInt64(&snapshotsApplied),
		"deltas_applied":    atomic.LoadInt64(&deltasApplied),
		"records_flushed":   atomic.LoadInt64(&recordsFlushed),
		"archive_uploads":   atomic.LoadInt64(&archiveUploads),
		"replayed_events":   atomic.LoadInt64(&replayedEvents),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"streams":           streamData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsFeed)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsRecorder"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsRecorder)))},
		cwtypes.MetricDatum{MetricName: aws.String("FramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&framesRead)))},
		cwtypes.MetricDatum{MetricName: aws.String("SnapshotsApplied"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotsApplied)))},
		cwtypes.MetricDatum{MetricName: aws.String("DeltasApplied"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&deltasApplied)))},
		cwtypes.MetricDatum{MetricName: aws.String("RecordsFlushed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&recordsFlushed)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveUploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&archiveUploads)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
