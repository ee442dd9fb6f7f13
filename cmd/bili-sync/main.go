// Command bili-sync runs the synchronization engine: discovers subscribed
// bilibili sources on a schedule, enriches them with stream metadata, and
// materializes media + sidecars into a home-media-server-compatible layout.
//
// Grounded on the teacher's cmd/plex-tuner/main.go: flag parsing, an
// http.ListenAndServe goroutine, and a blocking signal.Notify shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arrenxxxxx/bili-sync/internal/config"
	"github.com/arrenxxxxx/bili-sync/internal/downloader"
	"github.com/arrenxxxxx/bili-sync/internal/engine"
	"github.com/arrenxxxxx/bili-sync/internal/governor"
	"github.com/arrenxxxxx/bili-sync/internal/httpx"
	"github.com/arrenxxxxx/bili-sync/internal/layout"
	"github.com/arrenxxxxx/bili-sync/internal/metadata"
	"github.com/arrenxxxxx/bili-sync/internal/repository"
	"github.com/arrenxxxxx/bili-sync/internal/scheduler"
)

func main() {
	dbPath := flag.String("db", "bili-sync.db", "Path to the sqlite database file")
	publisherRoot := flag.String("publisher-root", "media/publishers", "Root directory for the publisher-keyed media layout")
	addr := flag.String("addr", ":8080", "HTTP listen address for /metrics")
	flag.Parse()

	logger := log.New(log.Writer(), "bili-sync: ", log.LstdFlags)

	repo, err := repository.Open(*dbPath, logger)
	if err != nil {
		log.Fatalf("open repository: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgStore, err := config.NewStore(ctx, repo)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	snap := cfgStore.Current()

	gov := governor.New(governor.Limits{
		GlobalHTTP:    snap.Concurrency.GlobalHTTP,
		VideosPerSub:  snap.Concurrency.VideosPerSub,
		PagesPerVideo: snap.Concurrency.PagesPerVideo,
		ChunksPerFile: snap.Concurrency.ChunksPerFile,
	})
	dl := downloader.New(httpx.New(httpx.StreamingOptions()), gov, nil, httpx.RetryPolicy{
		MaxRetries: snap.Download.MaxRetries,
		Max429Wait: 60 * time.Second,
		Backoff5xx: time.Second,
	})
	lay := layout.New(*publisherRoot)

	client := newUnimplementedClient()

	eng := engine.New(repo, client, cfgStore, gov, dl, lay, metadata.Stub{})

	mgr := scheduler.NewManager(ctx, eng.Cycle, eng.CooldownUntil)
	if err := armSchedules(ctx, repo, mgr, cfgStore.Current()); err != nil {
		log.Fatalf("arm schedules: %v", err)
	}
	mgr.Start()

	// A config change re-arms every schedule with the new
	// interval/cron expression.
	go func() {
		for next := range cfgStore.Subscribe() {
			if err := armSchedules(ctx, repo, mgr, next); err != nil {
				logger.Printf("re-arm schedules: %v", err)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down")

	mgr.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

// armSchedules registers (or re-registers) every enabled subscription with
// the snapshot's schedule. One schedule applies to every subscription: the
// config snapshot holds "schedule" alongside credentials and concurrency
// limits rather than per-subscription.
func armSchedules(ctx context.Context, repo *repository.Repository, mgr *scheduler.Manager, snap config.Snapshot) error {
	subs, err := repo.ListEnabledSubscriptions(ctx)
	if err != nil {
		return err
	}
	sched := scheduler.Schedule{CronExpr: snap.Schedule.CronExpr, Interval: snap.Schedule.Interval}
	for _, sub := range subs {
		if err := mgr.Add(sub.ID, sched); err != nil {
			return err
		}
	}
	return nil
}
