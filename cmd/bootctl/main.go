package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"bootbus/internal/discovery"
	"bootbus/internal/flasher"
	"bootbus/internal/metrics"
	"bootbus/internal/proto"
	"bootbus/internal/transport"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("bootctl %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	if cfg.listPorts {
		if err := listPorts(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		return
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)

	bus, err := transport.Open(cfg.port, cfg.baud, l)
	if err != nil {
		l.Error("serial_open_failed", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	monSrv, monCleanup := startMonitorServer(ctx, cfg, l, &wg)
	defer monCleanup()
	if monSrv != nil {
		bus.Subscribe(monSrv.Publish)
	}

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-done:
		}
	}()
	defer close(done)

	if err := run(ctx, cfg, bus, l); err != nil {
		l.Error("command_failed", "error", err)
		os.Exit(1)
	}
}

// run dispatches the requested one-shot operations in the order spec.md's
// CLI table implies: discover, then write, then verify, then start.
func run(ctx context.Context, cfg *appConfig, bus *transport.Bus, l *slog.Logger) error {
	fl := flasher.New(bus)

	var targets discovery.Result
	if cfg.search || cfg.write || cfg.verify || cfg.run {
		l.Info("enter_bootloader")
		if err := fl.EnterBootloader(0); err != nil {
			return fmt.Errorf("enter bootloader: %w", err)
		}
		var err error
		targets, err = discovery.Run(ctx, bus, cfg.slots, cfg.discoveryRetries)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
	}
	if cfg.search {
		printNodes(targets)
	}

	// A bare --uid with no --write/--verify/--run is an identity write:
	// set the targeted node's firmware-id slot to --fw.
	if cfg.uid != "" && !cfg.write && !cfg.verify && !cfg.run {
		addr, err := proto.ParseUID(cfg.uid)
		if err != nil {
			return fmt.Errorf("bad --uid: %w", err)
		}
		if err := fl.SetFwID(addr, byte(cfg.fwID)); err != nil {
			return fmt.Errorf("set fw id: %w", err)
		}
		l.Info("fw_id_set", "uid", cfg.uid, "fw", cfg.fwID)
		return nil
	}

	if !cfg.write && !cfg.verify && !cfg.run {
		return nil
	}

	image, err := loadImage(cfg)
	if err != nil && (cfg.write || cfg.verify) {
		return err
	}

	if cfg.write {
		l.Info("flash_begin", "nodes", len(targets), "bytes", len(image))
		if err := fl.UpdateFirmware(byte(cfg.fwID), image, func(i, total int) {
			l.Debug("flash_block", "block", i, "total", total)
		}); err != nil {
			return fmt.Errorf("update firmware: %w", err)
		}
		l.Info("flash_done")
	}

	if cfg.verify {
		ok, err := fl.VerifyImage(image)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if ok {
			l.Info("verify_ok")
		} else {
			l.Warn("verify_mismatch")
			return errVerifyMismatch
		}
	}

	if cfg.run {
		if err := fl.Start(); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		l.Info("start_sent")
	}

	return nil
}

func loadImage(cfg *appConfig) ([]byte, error) {
	if cfg.file == "" {
		return nil, errMissingFile
	}
	return os.ReadFile(cfg.file)
}

func printNodes(result discovery.Result) {
	for uid, info := range result {
		if info.Err != nil {
			fmt.Printf("%s  error=%v\n", uid, info.Err)
			continue
		}
		fmt.Printf("%s  node_id=%d fw_id=%d\n", uid, info.NodeID, info.FwID)
	}
}
