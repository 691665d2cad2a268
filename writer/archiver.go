package writer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "predflow/config"
	"predflow/logger"
)

const defaultScanInterval = 5 * time.Minute

// Archiver uploads sealed hourly buckets to S3. A bucket is sealed once its
// hour has passed; the live hour is skipped because it is still being
// merged into. Already-uploaded files are re-uploaded only when their
// modification time changes, which happens when a late flush lands in a
// past hour.
type Archiver struct {
	cfg    *appconfig.Config
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
	now    func() time.Time

	mu       sync.RWMutex
	running  bool
	uploaded map[string]time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket": cfg.Storage.S3.Bucket,
		"region": cfg.Storage.S3.Region,
	}).Info("s3 archiver configured")

	return &Archiver{
		cfg:      cfg,
		client:   client,
		bucket:   cfg.Storage.S3.Bucket,
		prefix:   strings.Trim(cfg.Storage.S3.Prefix, "/"),
		log:      log,
		now:      time.Now,
		uploaded: make(map[string]time.Time),
	}, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.stopCh = make(chan struct{})

	a.wg.Add(1)
	go a.scanLoop(ctx)

	a.log.WithComponent("archiver").Info("archiver started")
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) scanLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Storage.S3.ScanInterval
	if interval <= 0 {
		interval = defaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.ScanOnce(ctx); err != nil {
				a.log.WithComponent("archiver").WithError(err).Warn("archive scan failed")
			}
		}
	}
}

// ScanOnce walks the data directory and uploads every sealed bucket file
// that is new or has changed since its last upload.
func (a *Archiver) ScanOnce(ctx context.Context) error {
	dataDir := a.cfg.Recorder.DataDir
	liveHour := a.now().UTC().Truncate(time.Hour)

	return filepath.WalkDir(dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".parquet") {
			return nil
		}

		rel, err := filepath.Rel(dataDir, p)
		if err != nil {
			return err
		}
		hour, err := hourFromRelPath(rel)
		if err != nil {
			return nil
		}
		if !hour.Before(liveHour) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		a.mu.RLock()
		prev, seen := a.uploaded[rel]
		a.mu.RUnlock()
		if seen && !info.ModTime().After(prev) {
			return nil
		}

		if err := a.upload(ctx, p, rel, info.Size()); err != nil {
			a.log.WithComponent("archiver").WithError(err).WithFields(logger.Fields{
				"file": rel,
			}).Warn("upload failed, will retry next scan")
			return nil
		}
		a.mu.Lock()
		a.uploaded[rel] = info.ModTime()
		a.mu.Unlock()
		return nil
	})
}

// hourFromRelPath parses {venue}/{yyyy}/{mm}/{dd}/{hh}/events_{hh}.parquet
// back into its hour.
func hourFromRelPath(rel string) (time.Time, error) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 6 {
		return time.Time{}, fmt.Errorf("unexpected bucket path %q", rel)
	}
	stamp := strings.Join(parts[1:5], "-")
	return time.Parse("2006-01-02-15", stamp)
}

func (a *Archiver) upload(ctx context.Context, localPath, rel string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := filepath.ToSlash(rel)
	if a.prefix != "" {
		key = path.Join(a.prefix, key)
	}

	start := time.Now()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return err
	}

	logger.IncrementArchiveUpload(size)
	logger.LogPerformanceEntry(a.log.WithComponent("archiver"), "archiver", "upload", time.Since(start), logger.Fields{
		"key":   key,
		"bytes": size,
	})
	return nil
}
