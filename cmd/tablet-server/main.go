// Command tablet-server runs one tablet server: it opens the badger
// engine, starts the scanner registry, meta cache, heartbeat reporter
// and admin HTTP surface, then waits for a shutdown signal, the same
// load-config/wire-components/listen/signal-wait shape
// unistore-server/main.go and pd-server/main.go both follow.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tabletdb/tabletdb/config"
	"github.com/tabletdb/tabletdb/httpapi"
	"github.com/tabletdb/tabletdb/metacache"
	"github.com/tabletdb/tabletdb/storage"
	"github.com/tabletdb/tabletdb/storage/badgerstore"
	"github.com/tabletdb/tabletdb/tablet"
	"github.com/tabletdb/tabletdb/tabletlog"
)

func main() {
	var configPath string
	var serverID string

	root := &cobra.Command{
		Use:   "tablet-server",
		Short: "runs one tabletdb tablet server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, serverID)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a TOML config file; defaults to config.DefaultConf when empty")
	root.Flags().StringVar(&serverID, "server-id", "tablet-server-1", "identity this server reports in heartbeats and the admin API")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, serverID string) error {
	cfg := config.DefaultConf
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}

	if err := tabletlog.Init(tabletlog.Config{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting tablet server",
		zap.String("server_id", serverID),
		zap.String("store_addr", cfg.StoreAddr),
		zap.String("http_addr", cfg.HttpAddr),
		zap.String("db_path", cfg.Engine.DBPath))

	opts := badger.DefaultOptions
	opts.Dir = cfg.Engine.DBPath
	opts.ValueDir = cfg.Engine.DBPath
	opts.ValueThreshold = cfg.Engine.ValueThreshold
	opts.MaxTableSize = cfg.Engine.MaxTableSize
	opts.NumMemtables = cfg.Engine.NumMemTables
	opts.NumLevelZeroTables = cfg.Engine.NumL0Tables
	opts.NumLevelZeroTablesStall = cfg.Engine.NumL0TablesStall
	opts.ValueLogFileSize = cfg.Engine.VlogFileSize
	opts.SyncWrites = cfg.Engine.SyncWrite
	opts.NumCompactors = cfg.Engine.NumCompactors

	store, err := badgerstore.Open(opts)
	if err != nil {
		log.Error("open engine failed", zap.Error(err))
		return err
	}
	defer store.Close()

	scanners := storage.NewScannerRegistry(cfg.Scanner.TTL, cfg.Scanner.GCCheckInterval)
	defer scanners.Shutdown()

	cache := metacache.New()

	heartbeat := tablet.NewHeartbeatReporter(serverID, cfg.Engine.DBPath, store, cfg.Admin.HeartbeatInterval)
	heartbeat.Start()
	defer heartbeat.Stop()

	handler := httpapi.NewHandler(serverID, cache, scanners, heartbeat)
	httpServer := &http.Server{Addr: cfg.HttpAddr, Handler: handler.NewRouter()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server stopped", zap.Error(err))
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sc
	log.Info("got signal to exit", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
