// Command server is the custodial wallet engine's process entrypoint:
// it loads configuration, opens the store, and wires one indexer and
// one batcher per configured chain behind the ambient /healthz and
// /metrics surface (spec §6, §10 — never the excluded business API).
package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nnlgsakib/crypto-manager-engine/internal/account"
	"github.com/nnlgsakib/crypto-manager-engine/internal/batch"
	"github.com/nnlgsakib/crypto-manager-engine/internal/config"
	"github.com/nnlgsakib/crypto-manager-engine/internal/indexer"
	"github.com/nnlgsakib/crypto-manager-engine/internal/ledger"
	"github.com/nnlgsakib/crypto-manager-engine/internal/notify"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
	"github.com/nnlgsakib/crypto-manager-engine/internal/wallet"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "server")

	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}

	encryptionKey, err := hex.DecodeString(cfg.Secrets.EncryptionKeyHex)
	if err != nil || len(encryptionKey) != 32 {
		log.WithError(err).Fatal("secrets.encryptionKeyHex must be 32 bytes hex-encoded")
	}

	hotWalletKeyBytes, err := wallet.DecryptSecret(cfg.Secrets.HotWallet.PrivateKeyEnc, encryptionKey)
	if err != nil {
		log.WithError(err).Fatal("failed to decrypt hot wallet private key")
	}
	hotWalletKey, err := ethCryptoToECDSA(hotWalletKeyBytes)
	if err != nil {
		log.WithError(err).Fatal("failed to parse hot wallet private key")
	}

	l := ledger.New(st)
	bus := notify.NewBus()
	if cfg.NATS.Enabled {
		mirror, err := notify.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.WithError(err).Warn("failed to connect NATS mirror, continuing without it")
		} else {
			bus.SetMirror(mirror)
			defer mirror.Close()
		}
	}

	acctSvc := account.New(st, encryptionKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engines := make([]*chainEngine, 0, len(cfg.Chains))
	for name, chainCfg := range cfg.Chains {
		eng, err := startChain(ctx, name, chainCfg, cfg.Windows, st, l, bus, acctSvc, cfg.Secrets.HotWallet.Address, hotWalletKey)
		if err != nil {
			log.WithError(err).WithField("chain", name).Fatal("failed to start chain engine")
		}
		engines = append(engines, eng)
	}

	if err := acctSvc.ReconcileActiveAddresses(ctx); err != nil {
		log.WithError(err).Warn("failed to reconcile active addresses on startup")
	}

	srv := startHTTPServer(cfg.Server)

	log.Info("custodial wallet engine started")
	waitForShutdown(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancel()
	for _, eng := range engines {
		eng.indexer.Stop()
		eng.batcher.Stop()
	}
	log.Info("custodial wallet engine stopped")
}

type chainEngine struct {
	name    string
	indexer *indexer.Indexer
	batcher *batch.Batcher
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.DSN == "" {
		return store.NewMemoryStore(), nil
	}
	return store.Open(cfg.DSN)
}

func startHTTPServer(cfg config.ServerConfig) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := cfg.Host + ":" + itoa(cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()
	return srv
}

func waitForShutdown(log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutdown signal received")
}
