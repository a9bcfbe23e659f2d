package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/Milad-Afdasta/FlowCoord/internal/config"
	"github.com/Milad-Afdasta/FlowCoord/internal/dispatch"
	"github.com/Milad-Afdasta/FlowCoord/internal/health"
	"github.com/Milad-Afdasta/FlowCoord/internal/load"
	"github.com/Milad-Afdasta/FlowCoord/internal/metrics"
	"github.com/Milad-Afdasta/FlowCoord/internal/notify"
	"github.com/Milad-Afdasta/FlowCoord/internal/queue"
	"github.com/Milad-Afdasta/FlowCoord/internal/ratelimit"
	"github.com/Milad-Afdasta/FlowCoord/internal/report"
	"github.com/Milad-Afdasta/FlowCoord/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.SetFormatter(&log.JSONFormatter{})
	if level, perr := log.ParseLevel(cfg.LogLevel); perr == nil {
		log.SetLevel(level)
	}

	// Core components
	monitor := load.NewMonitor(cfg.Load.QueueNorm, cfg.Load.ProcNorm)
	q := queue.New[notify.Event](cfg.Queue.Build())
	limiters := ratelimit.NewRegistry(cfg.Rules()...)
	sched := scheduler.New(cfg.Scheduler.Build(), limiters, monitor, q)

	// Processors: delivery forwards events downstream through the
	// scheduler, the report tracker marks tables dirty for regeneration.
	// Both register individual and batch forms so coverage does not depend
	// on which dispatch path the queue takes.
	forwarder := dispatch.NewForwarder(sched, cfg.DeliveryURL)
	q.RegisterProcessor("delivery", forwarder.Process)
	q.RegisterBatchProcessor("delivery", forwarder.ProcessBatch)

	tracker := report.NewTracker(sched, time.Duration(cfg.ReportRegenIntervalMs)*time.Millisecond)
	q.RegisterProcessor("report-dirty", tracker.Process)
	q.RegisterBatchProcessor("report-dirty", tracker.ProcessBatch)

	// Inbound change-event sources
	enqueue := func(ev notify.Event, pri queue.Priority, maxRetries int) (string, error) {
		return q.Enqueue(ev, pri, maxRetries)
	}
	handler := notify.NewHandler(enqueue)

	var kafkaSource *notify.KafkaSource
	if cfg.Kafka.Enabled {
		kafkaSource = notify.NewKafkaSource(cfg.Kafka.KafkaConfig, enqueue)
	}

	// Observability
	aggregator := health.New(cfg.Health.Build(), q, sched, forwarder, tracker)
	exporter := metrics.NewExporter(q, sched, time.Duration(cfg.MetricsPollIntervalMs)*time.Millisecond)

	adminServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      exporter.Router(aggregator),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("admin server listening on %s", cfg.AdminAddr)
		if serr := adminServer.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			log.Errorf("admin server error: %v", serr)
		}
	}()

	ingestServer := &fasthttp.Server{
		Handler:      handler.Handle,
		Name:         "flowcoord",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Infof("ingest server listening on %s", cfg.IngestAddr)
		if serr := ingestServer.ListenAndServe(cfg.IngestAddr); serr != nil {
			log.Errorf("ingest server error: %v", serr)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %v, shutting down", sig)

	// Stop intake first, then drain the pipeline back to front.
	if serr := ingestServer.Shutdown(); serr != nil {
		log.Errorf("ingest shutdown error: %v", serr)
	}
	if kafkaSource != nil {
		kafkaSource.Stop()
	}
	q.Shutdown()
	tracker.Stop()
	sched.Shutdown()
	aggregator.Stop()
	exporter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := adminServer.Shutdown(ctx); serr != nil {
		log.Errorf("admin shutdown error: %v", serr)
	}

	log.Info("coordinator stopped")
}
