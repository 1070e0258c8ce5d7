package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bootbus/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_decoded", snap.FramesDecoded,
					"crc_mismatches", snap.CRCMismatches,
					"serial_tx", snap.SerialTx,
					"queue_drops", snap.QueueDrops,
					"discovery_rounds", snap.DiscoveryRounds,
					"blocks_written", snap.BlocksWritten,
					"verify_matches", snap.VerifyMatches,
					"verify_mismatches", snap.VerifyMismatches,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
