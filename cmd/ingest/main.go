// Command ingest keeps the vector store current. It polls the NVD feed on
// an interval, ingests NVD response pages dropped into a directory and, when
// NATS is configured, consumes batches published on advisory.ingest.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/engine/app"
	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/engine/feed"
	"github.com/WessleyAI/threatintel/engine/ingest"
	"github.com/WessleyAI/threatintel/pkg/config"
	"github.com/WessleyAI/threatintel/pkg/metrics"
)

var met = metrics.New()

// Ingest metrics
var (
	mAdvisoriesTotal = func(source string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("threatintel_ingest_advisories_total", "source", source), "Advisories upserted")
	}
	mErrorsTotal = func(stage string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("threatintel_ingest_errors_total", "stage", stage), "Ingestion errors")
	}
	mDeadLetters    = met.Counter("threatintel_ingest_dead_letter_records_total", "Records sent to the dead-letter subject")
	mFilesProcessed = met.Counter("threatintel_ingest_files_processed_total", "Page files ingested")
	mQueueDepth     = met.Gauge("threatintel_ingest_queue_depth", "Files waiting to be processed")
	mLastPoll       = met.Gauge("threatintel_ingest_last_poll_timestamp", "Epoch of the last feed poll")
	mPollDur        = met.Histogram("threatintel_ingest_poll_duration_seconds", "Feed fetch plus ingestion time", nil)
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("THREATINTEL_CONFIG"), "YAML config file (default ./threatintel.yaml if present)")
		dataDir    = flag.String("dir", "", "directory to watch for saved NVD response pages (disabled when empty)")
		stateFile  = flag.String("state", "", "processed files state (default <dir>/.ingest-state.json)")
		daysBack   = flag.Int("days", 30, "feed window in days")
		maxResults = flag.Int("max", 100, "maximum advisories per poll")
		once       = flag.Bool("once", false, "poll and scan once, then exit")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("wiring failed", "err", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	met.CollectRuntime(ctx, "threatintel_ingest", 15*time.Second)
	metricsSrv := met.ServeAsync(cfg.MetricsAddr, log)
	defer metricsSrv.Close()

	if a.NATS != nil {
		sub, err := ingest.StartConsumer(a.NATS, a.Pipeline, log)
		if err != nil {
			log.Error("nats subscribe failed", "err", err)
			os.Exit(1)
		}
		defer sub.Unsubscribe()
		log.Info("consuming ingest requests", "subject", ingest.IngestSubject)

		dlq, err := ingest.WatchDeadLetters(a.NATS, deadLetterLogger(log))
		if err != nil {
			log.Error("nats subscribe failed", "subject", ingest.DLQSubject, "err", err)
			os.Exit(1)
		}
		defer dlq.Unsubscribe()
	}

	if *stateFile == "" && *dataDir != "" {
		*stateFile = filepath.Join(*dataDir, ".ingest-state.json")
	}
	w := &worker{
		app:       a,
		req:       domain.IngestRequest{DaysBack: *daysBack, MaxResults: *maxResults},
		dir:       *dataDir,
		stateFile: *stateFile,
		processed: loadState(*stateFile),
		log:       log,
	}
	if w.dir != "" {
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			log.Error("data dir", "err", err)
			os.Exit(1)
		}
	}

	log.Info("ingest worker started", "interval", cfg.PollInterval, "dir", w.dir)
	w.tick(ctx)
	if *once {
		return
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

type runner interface {
	IngestRecent(ctx context.Context, req domain.IngestRequest) (int, error)
	IngestRecords(ctx context.Context, raws []advisory.RawRecord) (int, error)
}

type worker struct {
	app       runner
	req       domain.IngestRequest
	dir       string
	stateFile string
	processed map[string]bool
	log       *slog.Logger
}

func (w *worker) tick(ctx context.Context) {
	w.poll(ctx)
	if w.dir != "" {
		w.scan(ctx)
	}
}

// poll ingests the feed window once.
func (w *worker) poll(ctx context.Context) {
	start := time.Now()
	mLastPoll.Set(float64(start.Unix()))
	n, err := w.app.IngestRecent(ctx, w.req)
	mPollDur.Since(start)
	if err != nil {
		mErrorsTotal("poll").Inc()
		w.log.Error("feed poll failed", "err", err)
		return
	}
	mAdvisoriesTotal("feed").Add(int64(n))
	w.log.Info("feed poll done", "ingested", n, "duration", time.Since(start))
}

// scan ingests every unprocessed *.json page in the directory. A file is
// marked processed only when it ingested cleanly, so failures retry on the
// next scan.
func (w *worker) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		mErrorsTotal("scan").Inc()
		w.log.Error("readdir failed", "err", err)
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", e.Name(), info.Size())
		if w.processed[key] {
			continue
		}

		mQueueDepth.Inc()
		n, err := processFile(ctx, filepath.Join(w.dir, e.Name()), w.app)
		mQueueDepth.Dec()
		if err != nil {
			mErrorsTotal("file").Inc()
			w.log.Warn("file failed, will retry on next scan", "file", e.Name(), "err", err)
			continue
		}
		mFilesProcessed.Inc()
		mAdvisoriesTotal("dir").Add(int64(n))
		w.log.Info("file done", "file", e.Name(), "ingested", n)

		w.processed[key] = true
		if err := saveState(w.stateFile, w.processed); err != nil {
			w.log.Warn("state save failed", "err", err)
		}
	}
}

func processFile(ctx context.Context, path string, r runner) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	raws, err := feed.DecodePage(f)
	if err != nil {
		return 0, err
	}
	return r.IngestRecords(ctx, raws)
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	if path == "" {
		return m
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	_ = json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// deadLetterLogger records batches the consumer gave up on.
func deadLetterLogger(log *slog.Logger) func(context.Context, ingest.DeadLetter) {
	return func(_ context.Context, dl ingest.DeadLetter) {
		mDeadLetters.Add(int64(len(dl.Records)))
		log.Warn("dead-lettered records", "records", len(dl.Records), "retries", dl.Retries, "error", dl.Error)
	}
}
