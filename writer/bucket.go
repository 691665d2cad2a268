package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	pqreader "github.com/xitongsys/parquet-go/reader"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"predflow/models"
)

const parquetParallelism = 2

// bucketPath returns the hourly bucket file for a venue and timestamp:
// {dataDir}/{venue}/{yyyy}/{mm}/{dd}/{hh}/events_{hh}.parquet
func bucketPath(dataDir, venueID string, ts time.Time) string {
	ts = ts.UTC()
	return filepath.Join(
		dataDir,
		venueID,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("%02d", ts.Hour()),
		fmt.Sprintf("events_%02d.parquet", ts.Hour()),
	)
}

// indexPath returns the per-day index file alongside the hour directories.
func indexPath(dataDir, venueID string, ts time.Time) string {
	ts = ts.UTC()
	return filepath.Join(
		dataDir,
		venueID,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		"index.json",
	)
}

// readBucket loads every record from an hourly bucket. A missing file is an
// empty bucket, not an error.
func readBucket(path string) ([]models.RecordedEvent, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := pqreader.NewParquetReader(fr, new(models.RecordedEvent), parquetParallelism)
	if err != nil {
		return nil, fmt.Errorf("read bucket %s: %w", path, err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	if num == 0 {
		return nil, nil
	}
	records := make([]models.RecordedEvent, num)
	if err := pr.Read(&records); err != nil {
		return nil, fmt.Errorf("read bucket rows %s: %w", path, err)
	}
	return records, nil
}

// writeBucket replaces an hourly bucket with the given records. The rows are
// written to a sibling temp file and renamed over the bucket, so a failed
// rewrite leaves the previously persisted rows intact.
func writeBucket(path string, records []models.RecordedEvent) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}

	tmp := path + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", tmp, err)
	}

	pw, err := pqwriter.NewParquetWriter(fw, new(models.RecordedEvent), parquetParallelism)
	if err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("create bucket writer %s: %w", tmp, err)
	}

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			fw.Close()
			os.Remove(tmp)
			return fmt.Errorf("write bucket row %s: %w", tmp, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("finalize bucket %s: %w", tmp, err)
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close bucket %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// mergeBucket appends records to an existing hourly bucket, rewriting the
// file, and returns the total row count after the merge. Parquet files are
// not appendable in place, so flushes into a live hour read-modify-write.
func mergeBucket(path string, records []models.RecordedEvent) (int64, error) {
	existing, err := readBucket(path)
	if err != nil {
		return 0, err
	}
	merged := append(existing, records...)
	if err := writeBucket(path, merged); err != nil {
		return 0, err
	}
	return int64(len(merged)), nil
}

// dayIndex summarizes one venue-day of recorded data so consumers can size
// a replay without opening parquet files.
type dayIndex struct {
	VenueID   string           `json:"venue_id"`
	Date      string           `json:"date"`
	Hours     map[string]int64 `json:"hours"`
	Total     int64            `json:"total"`
	UpdatedAt string           `json:"updated_at"`
}

// updateIndex records the post-merge row count of one hour in the day's
// index and recomputes the total. Written atomically via rename.
func updateIndex(dataDir, venueID string, ts time.Time, hourCount int64) error {
	path := indexPath(dataDir, venueID, ts)

	idx := dayIndex{
		VenueID: venueID,
		Date:    ts.UTC().Format("2006-01-02"),
		Hours:   make(map[string]int64),
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &idx); err != nil {
			idx.Hours = make(map[string]int64)
		}
		if idx.Hours == nil {
			idx.Hours = make(map[string]int64)
		}
	}

	idx.Hours[fmt.Sprintf("%02d", ts.UTC().Hour())] = hourCount
	idx.Total = 0
	for _, n := range idx.Hours {
		idx.Total += n
	}
	idx.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
