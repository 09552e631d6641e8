package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
)

var cli struct {
	Brokers     []string      `name:"brokers" env:"KAFKA_BROKERS" default:"localhost:9092" help:"Kafka bootstrap brokers."`
	Topic       string        `name:"topic" env:"KAFKA_TOPIC" default:"driver-locations"`
	Group       string        `name:"group" env:"KAFKA_GROUP" default:"ambulance-dispatch-consumer"`
	PGDSN       string        `name:"pg-dsn" env:"PG_DSN" required:"" help:"Postgres DSN of the dispatch database."`
	LockTimeout time.Duration `name:"lock-timeout" env:"LOCK_TIMEOUT" default:"3s"`
	MetricsAddr string        `name:"metrics-addr" env:"METRICS_ADDR" default:":2112" help:"Address to serve prometheus metrics on."`
	Attempts    int           `name:"attempts" env:"CONSUMER_UPDATE_ATTEMPTS" default:"3"`
	RetryDelay  time.Duration `name:"retry-delay" env:"CONSUMER_RETRY_DELAY" default:"200ms"`
	LogLevel    string        `name:"log-level" env:"LOG_LEVEL" default:"info"`
}

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambulance_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambulance_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total undecodable or out-of-range location messages",
	})
	locationUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ambulance_dispatch",
		Name:      "consumer_location_updates_total",
		Help:      "Total driver locations written to the store",
	})
	locationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ambulance_dispatch",
		Name:      "consumer_location_errors_total",
		Help:      "Total location writes that failed after retries",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, locationUpdates, locationErrors)
}

func main() {
	config.LoadDotEnvUp(0)
	kong.Parse(&cli,
		kong.Name("consumer"),
		kong.Description("Applies driver location pings from Kafka to the dispatch database."),
	)
	logger := logging.NewLogger("consumer", cli.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStore(ctx, cli.PGDSN, 4, cli.LockTimeout)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.DB().PingContext(r.Context()); err != nil {
				http.Error(w, "database not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cli.MetricsAddr)
		if err := http.ListenAndServe(cli.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cli.Brokers, Topic: cli.Topic, GroupID: cli.Group, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cli.Topic, "brokers", cli.Brokers, "group", cli.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if sleepCtx(ctx, backoff) != nil {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		p, err := ingest.DecodeLocation(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}

		if err := updateLocationWithRetry(ctx, store, p, cli.Attempts, cli.RetryDelay); err != nil {
			reason := "store"
			if errors.Is(err, storage.ErrNotFound) {
				reason = "unknown_driver"
			}
			locationErrors.WithLabelValues(reason).Inc()
			logger.Warn("location update failed", "driver_id", p.DriverID, "error", err)
			continue
		}
		locationUpdates.Inc()
	}
}

// LocationUpdater is the store subset the consumer writes through.
type LocationUpdater interface {
	UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord) error
}

// updateLocationWithRetry writes the ping with doubling backoff between
// attempts. An unknown driver is not retried.
func updateLocationWithRetry(ctx context.Context, u LocationUpdater, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = u.UpdateDriverLocation(ctx, p.DriverID, p.Loc)
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := sleepCtx(ctx, delay); serr != nil {
			return fmt.Errorf("update location: %w", serr)
		}
		delay *= 2
	}
	return fmt.Errorf("update location after %d attempts: %w", attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
