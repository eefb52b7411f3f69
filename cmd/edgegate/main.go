// Command edgegate runs the programmable edge gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/config"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/kv"
	"github.com/edgegate/edgegate/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "edgegate:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	defer watcher.Stop()
	cfg := watcher.Config()

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening kv store: %w", err)
	}

	gw, err := gateway.New(context.Background(), gateway.Options{
		Config: cfg,
		Store:  store,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	// Static fields (listen address, rules, backends) need a restart; the
	// KV-persisted dynamic state is re-read on every file change.
	watcher.OnChange(func(*config.Config) {
		logging.Warn("config file changed; static fields apply on next restart")
		if err := gw.Reload(context.Background()); err != nil {
			logging.Error("reloading dynamic state", zap.Error(err))
		}
	})
	if err := watcher.Start(); err != nil {
		logging.Warn("config watcher disabled", zap.Error(err))
	}

	logging.Info("starting edgegate",
		zap.String("address", cfg.Server.Address),
		zap.String("kvBackend", cfg.KV.Backend),
		zap.Int("staticRules", len(cfg.Rules)),
	)
	return gateway.NewServer(gw).Run(context.Background())
}

// openStore selects the KV backend. An empty backend disables persistence;
// dynamic rules, snapshot history and persisted excludes are then
// unavailable but the gateway still serves.
func openStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.KV.Backend {
	case "":
		return nil, nil
	case "memory":
		return kv.NewMemoryStore(), nil
	case "redis":
		return kv.NewRedisStore(cfg.KV.Redis)
	case "etcd":
		return kv.NewEtcdStore(cfg.KV.Etcd)
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.KV.Backend)
	}
}
