package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"timb-feed/internal/api"
	"timb-feed/internal/cfg"
	"timb-feed/internal/feed"
	"timb-feed/internal/metrics"
	"timb-feed/internal/realtime"
	"timb-feed/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	godotenv.Load() // optional .env, missing file is fine
	setupLogging()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	startMetricsServer(ctx, c)

	// Warm the mirror from the REST snapshot before the feed attaches
	warmMirror(ctx, c, store, m)

	mgr := realtime.NewManager(realtime.Config{
		HeartbeatInterval: c.Heartbeat,
		ReconnectBase:     c.ReconnectBase,
		MaxReconnects:     c.MaxReconnects,
		Metrics:           m,
	})
	registerSubscriptions(mgr, store, m)
	connectFeeds(ctx, mgr, c)

	waitForShutdown(ctx, mgr)
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
}

// initializeStorage initializes the feed mirror if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	go func() {
		mux := http.NewServeMux()

		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// warmMirror fetches the REST snapshots so the mirror starts from the current
// market state rather than an empty database.
func warmMirror(ctx context.Context, c cfg.Settings, store *storage.Store, m *metrics.Metrics) {
	if store == nil {
		return
	}
	client := api.New(c.APIBase, c.RESTTimeout)

	m.SnapshotLoads.Inc()
	prices, err := client.LivePrices(ctx)
	if err != nil {
		m.SnapshotErrors.Inc()
		log.Warn().Err(err).Msg("price snapshot fetch failed, mirror starts cold")
	} else {
		for _, p := range prices {
			if err := store.StorePrice(p); err == nil {
				m.RecordsStored.Inc()
			}
		}
		log.Info().Int("prices", len(prices)).Msg("mirror warmed from price snapshot")
	}

	m.SnapshotLoads.Inc()
	txs, err := client.LiveTransactions(ctx)
	if err != nil {
		m.SnapshotErrors.Inc()
		log.Warn().Err(err).Msg("transaction snapshot fetch failed")
		return
	}
	for _, t := range txs {
		if err := store.StoreTransaction(t); err == nil {
			m.RecordsStored.Inc()
		}
	}
	log.Info().Int("transactions", len(txs)).Msg("mirror warmed from transaction snapshot")
}

// registerSubscriptions wires the broadcast channel into the mirror and logs.
func registerSubscriptions(mgr *realtime.Manager, store *storage.Store, m *metrics.Metrics) {
	// The server pushes a price snapshot on every attach, reconnects included,
	// so the mirror catches up on whatever the outage missed.
	mgr.Subscribe(feed.TypeInitialData, func(name string, payload json.RawMessage) {
		snap, err := feed.DecodeInitialData(payload)
		if err != nil {
			log.Debug().Err(err).Str("conn", name).Msg("dropping malformed initial data")
			return
		}
		if store != nil {
			for _, p := range snap.Prices {
				if err := store.StorePrice(p); err != nil {
					log.Warn().Err(err).Msg("failed to store snapshot price")
					continue
				}
				m.RecordsStored.Inc()
			}
		}
		log.Info().Str("conn", name).Int("prices", len(snap.Prices)).Msg("initial data snapshot received")
	})

	mgr.Subscribe(feed.TypePriceUpdate, func(name string, payload json.RawMessage) {
		p, err := feed.DecodePriceUpdate(payload)
		if err != nil {
			log.Debug().Err(err).Str("conn", name).Msg("dropping malformed price update")
			return
		}
		if store != nil {
			if err := store.StorePrice(p); err != nil {
				log.Warn().Err(err).Msg("failed to store price update")
				return
			}
			m.RecordsStored.Inc()
		}
	})

	mgr.Subscribe(feed.TypeTransaction, func(name string, payload json.RawMessage) {
		t, err := feed.DecodeTransaction(payload)
		if err != nil {
			log.Debug().Err(err).Str("conn", name).Msg("dropping malformed transaction")
			return
		}
		if store != nil {
			if err := store.StoreTransaction(t); err != nil {
				log.Warn().Err(err).Msg("failed to store transaction")
				return
			}
			m.RecordsStored.Inc()
		}
	})

	mgr.Subscribe(feed.TypeFraudAlert, func(name string, payload json.RawMessage) {
		a, err := feed.DecodeFraudAlert(payload)
		if err != nil {
			log.Debug().Err(err).Str("conn", name).Msg("dropping malformed fraud alert")
			return
		}
		log.Warn().Str("merchant", a.Merchant).Str("alert_type", a.AlertType).
			Str("severity", a.Severity).Msg("fraud alert received")
		if store != nil {
			if err := store.StoreFraudAlert(a); err != nil {
				log.Warn().Err(err).Msg("failed to store fraud alert")
				return
			}
			m.RecordsStored.Inc()
		}
	})

	mgr.Subscribe(feed.TypeYieldPrediction, func(name string, payload json.RawMessage) {
		log.Info().Str("conn", name).RawJSON("payload", payload).Msg("yield prediction update")
	})

	// Merchant feed types; these only arrive when the merchant feed is attached.
	for _, msgType := range []string{feed.TypeInventoryUpdate, feed.TypeOrderUpdate, feed.TypeRecommendation} {
		t := msgType
		mgr.Subscribe(t, func(name string, payload json.RawMessage) {
			log.Info().Str("conn", name).Str("type", t).RawJSON("payload", payload).Msg("merchant update")
		})
	}
}

// connectFeeds attaches the general realtime feed and, when the viewer is a
// merchant, the merchant feed.
func connectFeeds(ctx context.Context, mgr *realtime.Manager, c cfg.Settings) {
	endpoints := realtime.Endpoints{Host: c.Host, Secure: c.Secure}
	handlers := realtime.Handlers{
		OnConnect: func(name string) {
			log.Info().Str("conn", name).Msg("feed attached")
		},
		OnDisconnect: func(name string) {
			log.Warn().Str("conn", name).Msg("feed detached")
		},
		OnError: func(name string, err error) {
			log.Error().Str("conn", name).Err(err).Msg("feed error")
		},
	}

	if err := mgr.Connect(ctx, "realtime", endpoints.Realtime(), handlers); err != nil {
		log.Error().Err(err).Msg("realtime feed connect failed")
	}

	if c.Merchant {
		if err := mgr.Connect(ctx, "merchant", endpoints.Merchant(), handlers); err != nil {
			log.Error().Err(err).Msg("merchant feed connect failed")
		}
	}
}

// waitForShutdown waits for shutdown signals and disconnects every feed
// intentionally so no reconnect fires during teardown.
func waitForShutdown(ctx context.Context, mgr *realtime.Manager) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")

	done := make(chan struct{})
	go func() {
		mgr.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all feeds disconnected")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
