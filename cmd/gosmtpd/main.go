package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matoous/gosmtpd/config"
	"github.com/matoous/gosmtpd/events"
	"github.com/matoous/gosmtpd/mta"
	"github.com/matoous/gosmtpd/policy"
	"github.com/matoous/gosmtpd/queue"
	"github.com/matoous/gosmtpd/store"
)

const (
	shutdownTimeout  = 30 * time.Second
	statsInterval    = time.Minute
	heuristicEntries = 10000
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "configuration file (yaml, json or toml)")
	flag.Parse()

	var files []string
	if *configFile != "" {
		files = append(files, *configFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return errors.WithMessage(err, "config.Load")
	}

	log, err := cfg.Logger()
	if err != nil {
		return errors.WithMessage(err, "Logger")
	}
	defer log.Sync()

	disk, err := store.NewDisk(cfg.Storage.Dir, log.Named("store"))
	if err != nil {
		return errors.WithMessage(err, "store.NewDisk")
	}

	q, err := queue.Open(queue.Options{
		Dir:         cfg.Queue.Dir,
		InMemory:    cfg.Queue.InMemory,
		Capacity:    cfg.Queue.Capacity,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff,
		Logger:      log.Named("queue"),
	})
	if err != nil {
		return errors.WithMessage(err, "queue.Open")
	}
	defer q.Close()

	sinks := events.Multi{events.NewLogSink(log.Named("events"))}
	if cfg.Events.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
		sinks = append(sinks, events.NewMetrics(reg))
		go serveMetrics(cfg.Events.MetricsAddr, reg, log)
	}
	if cfg.Events.AMQPURL != "" {
		publisher, err := events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.AMQPQueue, log.Named("amqp"))
		if err != nil {
			return errors.WithMessage(err, "events.DialAMQP")
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		log.Info("publishing events", zap.String("queue", cfg.Events.AMQPQueue))
	}

	heuristics, cache, err := newHeuristics(cfg, log)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	srv, err := mta.NewServer(cfg, log, mta.Backends{
		Store:      disk,
		Queue:      q,
		Events:     sinks,
		Heuristics: heuristics,
	})
	if err != nil {
		return errors.WithMessage(err, "mta.NewServer")
	}

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-served:
			if err == mta.ErrServerClosed {
				return nil
			}
			return err
		case <-ticker.C:
			logQueueStats(q, log)
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				reload(srv, files, log)
				continue
			}
			log.Info("shutting down", zap.Stringer("signal", sig), zap.Int("connections", srv.LiveConnections()))
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := srv.Shutdown(ctx)
			cancel()
			<-served
			return err
		}
	}
}

// newHeuristics builds the sender checks of the content phase, DNS results
// are shared through one cache
func newHeuristics(cfg *config.Config, log *zap.Logger) (policy.Heuristics, *policy.Cache, error) {
	p := cfg.Policy
	if len(p.DBLZones) == 0 && !p.SPF {
		return nil, nil, nil
	}
	cache, err := policy.NewCache(heuristicEntries, policy.DefaultCacheTTL)
	if err != nil {
		return nil, nil, err
	}
	var h policy.Heuristics
	if len(p.DBLZones) > 0 {
		h = append(h, policy.NewDBL(p.DNSServer, p.DNSTimeout, cache, log.Named("dbl"), p.DBLZones...))
	}
	if p.SPF {
		h = append(h, policy.NewSPF(cache, log.Named("spf")))
	}
	return h, cache, nil
}

func reload(srv *mta.Server, files []string, log *zap.Logger) {
	cfg, err := config.Load(files...)
	if err != nil {
		log.Error("reload", zap.Error(err))
		return
	}
	if err := srv.Reload(cfg); err != nil {
		log.Error("reload", zap.Error(err))
	}
}

func logQueueStats(q *queue.Queue, log *zap.Logger) {
	stats, err := q.Stats()
	if err != nil {
		log.Error("queue stats", zap.Error(err))
		return
	}
	log.Info("relay queue",
		zap.Int("pending", stats.Pending),
		zap.Int("in_flight", stats.InFlight),
		zap.Int("delivered", stats.Delivered),
		zap.Int("failed", stats.Failed),
		zap.Int("active", stats.Active()),
	)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server", zap.Error(err))
	}
}
