package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/you/holochat-metrics/internal/breaker"
	"github.com/you/holochat-metrics/internal/config"
	"github.com/you/holochat-metrics/internal/holodex"
	httpadmin "github.com/you/holochat-metrics/internal/http"
	"github.com/you/holochat-metrics/internal/httpapi"
	"github.com/you/holochat-metrics/internal/lifecycle"
	"github.com/you/holochat-metrics/internal/marked"
	"github.com/you/holochat-metrics/internal/metrics"
	"github.com/you/holochat-metrics/internal/notify"
	"github.com/you/holochat-metrics/internal/pipeline"
	"github.com/you/holochat-metrics/internal/sink"
	"github.com/you/holochat-metrics/internal/version"
	"github.com/you/holochat-metrics/internal/ytlive"
)

// snapshotter writes the store snapshot at most once per process when used
// for exit paths, and on every call for the admin endpoint.
type snapshotter struct {
	store *metrics.Store
	dir   string
	once  sync.Once
}

func (s *snapshotter) Snapshot() (string, error) {
	if s.dir == "" {
		return "", errors.New("snapshot directory not configured")
	}
	if err := s.store.Snapshot(s.dir); err != nil {
		return "", err
	}
	return s.dir, nil
}

func (s *snapshotter) final(reason string) {
	s.once.Do(func() {
		if s.dir == "" {
			return
		}
		if _, err := s.Snapshot(); err != nil {
			log.Printf("holochat: %s snapshot failed: %v", reason, err)
			return
		}
		log.Printf("holochat: %s snapshot written to %s", reason, s.dir)
	})
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		orgs            string
		markedFile      string
		journalPath     string
		snapshotDir     string
		webhookURL      string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
		trace           bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&orgs, "orgs", "", "Comma-separated Holodex organisations to track")
	flag.StringVar(&markedFile, "marked-file", "", "File with marked channel ids, reloaded on change")
	flag.StringVar(&journalPath, "journal", "", "Path to the SQLite journal of notable events")
	flag.StringVar(&snapshotDir, "snapshot-dir", "", "Directory for metric and filter snapshots")
	flag.StringVar(&webhookURL, "webhook", "", "Discord-compatible webhook URL for notable events")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP metrics/API address (e.g., :9090)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client (0 disables)")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.BoolVar(&trace, "trace", false, "Log per-event stage counters at debug level")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"holochat version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["orgs"] {
		var list []string
		for _, o := range strings.Split(orgs, ",") {
			if o = strings.TrimSpace(o); o != "" {
				list = append(list, o)
			}
		}
		if len(list) > 0 {
			cfg.Orgs = list
		}
	}
	if overrides["marked-file"] {
		cfg.Marked.File = strings.TrimSpace(markedFile)
	}
	if overrides["journal"] {
		cfg.Journal.Path = strings.TrimSpace(journalPath)
	}
	if overrides["snapshot-dir"] {
		cfg.SnapshotDir = strings.TrimSpace(snapshotDir)
	}
	if overrides["webhook"] {
		cfg.WebhookURL = strings.TrimSpace(webhookURL)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = strings.Split(httpCorsOrigins, ",")
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateLimitRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateLimitBurst = httpRateBurst
	}
	if overrides["trace"] {
		cfg.Trace = trace
	}
	if cfg.Trace {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	log.Printf("%s", cfg.SummaryJSON())
	if len(cfg.Holodex.Keys) == 0 {
		log.Printf("holochat: no Holodex key configured; discovery requests will likely be rejected")
	}

	store := metrics.NewStore(metrics.Options{UserPolicy: cfg.UserPolicy()})
	snap := &snapshotter{store: store, dir: cfg.SnapshotDir}

	markedSet := marked.New(cfg.Marked.IDs, cfg.Marked.File)

	hdx := holodex.NewClient(holodex.ClientOptions{Keys: cfg.Holodex.Keys, BaseURL: cfg.Holodex.BaseURL})
	discovery := holodex.NewDiscovery(hdx, holodex.Options{
		Orgs:       cfg.Orgs,
		Channels:   cfg.Channels,
		LeadTime:   cfg.Schedule.LeadTime,
		EndedGrace: cfg.Schedule.EndedGrace,
		CacheTTL:   cfg.Schedule.CacheTTL,
	})

	trip := breaker.New(cfg.BreakerThreshold, func() {
		log.Printf("holochat: too many consecutive chat failures; restarting")
		snap.final("breaker")
		os.Exit(1)
	})

	api := httpapi.New(httpapi.Options{
		Addr: cfg.HTTP.Addr,
		Build: httpapi.BuildInfo{
			Version:  version.Version,
			Revision: version.Commit,
			BuiltAt:  version.Built(),
		},
		Gatherer:       store.Registry(),
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		Config:         cfg.Redacted(),
		Register:       httpadmin.New(snap).Register,
	})

	var (
		journal  *sink.Journal
		buffered *sink.BufferedWriter
		writer   sink.Writer
	)
	if cfg.Journal.Path != "" {
		j, err := sink.OpenJournal(cfg.Journal.Path)
		if err != nil {
			log.Fatalf("holochat: open journal: %v", err)
		}
		journal = j
		buffered = sink.NewBufferedWriter(sink.WithAPI(journal, api), sink.BufferedOptions{
			BatchSize:     cfg.Batch(),
			FlushInterval: cfg.FlushInterval(),
		})
		writer = buffered
		log.Printf("holochat: journal at %s", cfg.Journal.Path)
	}

	var notifier pipeline.Notifier
	if hook := notify.NewWebhook(cfg.WebhookURL, nil); hook.Enabled() {
		notifier = hook
	}

	pipe := pipeline.New(pipeline.Options{
		Store:    store,
		Marked:   markedSet,
		Notifier: notifier,
		Journal:  writer,
		Trace:    cfg.Trace,
	})

	runner := &pipeline.ChatRunner{
		Fetcher:  ytlive.NewClient(&http.Client{Timeout: 20 * time.Second}),
		Pipeline: pipe,
		Store:    store,
		Breaker:  trip,
		Limits: ytlive.Limits{
			MaxDelay:     cfg.Poll.MaxDelay,
			DefaultDelay: ytlive.DefaultLimits.DefaultDelay,
			MaxRetries:   cfg.Poll.MaxRetries,
		},
	}

	mgr := lifecycle.New(lifecycle.Options{
		Config: lifecycle.Config{
			StopDelay:   cfg.Schedule.StopDelay,
			RemoveDelay: cfg.Schedule.RemoveDelay,
			StartGap:    cfg.Schedule.StartGap,
			SnapshotDir: cfg.SnapshotDir,
			Sizing:      cfg.Sizing(),
		},
		Discovery: discovery,
		Runner:    runner,
		Store:     store,
	})
	runner.Lookup = mgr.Broadcast
	sources := httpapi.Sources{Sessions: mgr}
	if journal != nil {
		sources.Store = journal
		sources.Writes = buffered
	}
	api.Attach(sources)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hook := &sutureslog.Handler{Logger: slog.Default()}
	root := suture.New("holochat", suture.Spec{
		EventHook:      hook.MustHook(),
		FailureBackoff: 15 * time.Second,
		Timeout:        10 * time.Second,
	})
	root.Add(mgr.ScanLoop(cfg.Schedule.ScanInterval))
	root.Add(mgr.RefreshLoop(cfg.Schedule.RefreshInterval))
	root.Add(api)
	root.Add(marked.NewWatcher(markedSet))
	done := root.ServeBackground(ctx)

	log.Printf("holochat: started (orgs=%s http=%s)", strings.Join(cfg.Orgs, ","), cfg.HTTP.Addr)

	<-ctx.Done()
	log.Printf("holochat: shutting down")

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("holochat: supervisor: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	mgr.StopAll(shutdownCtx)
	cancel()
	pipe.Close()
	if buffered != nil {
		if err := buffered.Close(); err != nil {
			log.Printf("holochat: journal flush: %v", err)
		}
	}
	snap.final("shutdown")
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Printf("holochat: journal close: %v", err)
		}
	}
	log.Printf("holochat: shutdown complete")
}
