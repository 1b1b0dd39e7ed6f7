package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cabbageTxn/bitcask"
	"cabbageTxn/client"
	"cabbageTxn/config"
	"cabbageTxn/engine"
	"cabbageTxn/logger"
	"cabbageTxn/manager"
	"cabbageTxn/storage"

	"github.com/pkg/errors"
)

func main() {
	configFile := flag.String("config", "config/txn.yaml", "Configuration file path")
	command := flag.String("e", "", "Run one command and exit")
	flag.Parse()

	if err := run(*configFile, *command); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configFile, command string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err = logger.InitLogger(cfg.LogFile, cfg.LogLevel); err != nil {
		return errors.Wrap(err, "init logger")
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(cfg, filepath.Dir(configFile))
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := storage.NewTxnStore(e, cfg.StoreOptions()...)
	if err != nil {
		return err
	}
	m, err := manager.Open(ctx, store, cfg.ManagerConfig())
	if err != nil {
		return err
	}
	defer m.Close()

	versions := storage.NewVersionStore(e, m)
	m.AddListener(versions)

	shell := client.NewShell(m, versions, os.Stdout)
	shell.HistoryPath = historyPath(cfg.HistoryFile)
	if command != "" {
		return shell.Execute(ctx, command)
	}
	return shell.Run(ctx)
}

func openEngine(cfg *config.Config, root string) (engine.Engine, error) {
	switch cfg.Storage {
	case "bitcask":
		path := filepath.Join(root, cfg.DataDir, "txn")
		e, err := bitcask.NewCompact(path, cfg.CompactThresh)
		if err != nil {
			return nil, errors.Wrapf(err, "open bitcask %s", path)
		}
		logger.Infow("opened storage", "engine", "bitcask", "file", path)
		return e, nil
	case "memory":
		return engine.NewMemory(), nil
	}
	return nil, errors.Errorf("unknown storage engine %s", cfg.Storage)
}

func historyPath(file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return file
	}
	return filepath.Join(home, file)
}
