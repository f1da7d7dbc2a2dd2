// Command roomy-bridge runs the Discord ↔ Roomy bridge service.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/bridge/registry"
	"github.com/roomy-chat/discord-bridge/bridge/storage/shared"
	"github.com/roomy-chat/discord-bridge/bridge/sync"
	"github.com/roomy-chat/discord-bridge/discordapi"
	"github.com/roomy-chat/discord-bridge/internal/atproto"
	"github.com/roomy-chat/discord-bridge/internal/caching"
	"github.com/roomy-chat/discord-bridge/internal/kv"
	"github.com/roomy-chat/discord-bridge/roomyapi"
	"github.com/roomy-chat/discord-bridge/setup/config"
	"github.com/roomy-chat/discord-bridge/setup/jetstream"
	"github.com/roomy-chat/discord-bridge/setup/process"
	"github.com/roomy-chat/discord-bridge/setup/tracing"
)

const profileCacheSize = 8 * 1024 * 1024

func main() {
	configPath := flag.String("config", "", "path to the bridge yaml config (optional)")
	flag.Parse()

	// A missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	if cfg.Global.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Global.SentryDSN}); err != nil {
			log.WithError(err).Fatal("Failed to initialize Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	closer, err := tracing.Setup(&cfg.Global)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up tracing")
	}
	defer closer.Close() // nolint: errcheck

	if err := os.MkdirAll(cfg.Global.DataDir, 0o755); err != nil {
		log.WithError(err).WithField("data_dir", cfg.Global.DataDir).Fatal("Failed to create data directory")
	}
	store, err := kv.OpenSQLite(cfg.Global.DataDir)
	if err != nil {
		log.WithError(err).Fatal("Failed to open bridge database")
	}
	db := shared.NewDatabase(store)
	defer db.Close() // nolint: errcheck

	caches, err := caching.NewRistrettoCache(profileCacheSize, time.Hour)
	if err != nil {
		log.WithError(err).Fatal("Failed to create caches")
	}
	defer caches.Close()

	processCtx := process.NewProcessContext()

	natsInstance := &jetstream.NATSInstance{}
	js, nc := natsInstance.Prepare(processCtx, &cfg.Global)
	defer nc.Close()

	if cfg.Global.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Global.MetricsAddr, mux); err != nil {
				log.WithError(err).Error("Metrics listener stopped")
			}
		}()
	}

	service := sync.NewService(sync.ServiceOptions{
		Config:   cfg,
		Process:  processCtx,
		DB:       db,
		Rest:     discordapi.NewClient(cfg.Discord.Token),
		Gateway:  discordapi.NewGateway(cfg.Discord.Token),
		Roomy:    roomyapi.NewClient(cfg.Leaf.URL, cfg.Leaf.ServerDid),
		JS:       js,
		Registry: registry.NewRegistry(db),
		Caches:   caches,
		Resolver: atproto.NewResolver(cfg.ATProto.PDSBase),
	})
	service.Start()
	log.WithFields(log.Fields{
		"data_dir": cfg.Global.DataDir,
		"leaf_url": cfg.Leaf.URL,
	}).Info("Bridge started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	processCtx.ShutdownBridge()
	processCtx.WaitForComponentsToFinish()
	log.Info("Bridge shut down cleanly")
}
