package main

import (
	"context"
	"time"

	"github.com/accordsai/spendlane/pkg/logging"
	"github.com/accordsai/spendlane/services/treasury/internal/workflow"
)

type snapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap workflow.Snapshot) error
}

func saveSnapshot(ctx context.Context, in *workflow.Instance, st snapshotSaver) error {
	snap, err := in.Snapshot(ctx)
	if err != nil {
		return err
	}
	return st.SaveSnapshot(ctx, snap)
}

// persistSnapshots saves the instance after every change, at most once per
// interval, until ctx is done. A failed save is retried on the next tick.
func persistSnapshots(ctx context.Context, in *workflow.Instance, st snapshotSaver, interval time.Duration, log logging.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.Changes():
			dirty = true
			continue
		case <-t.C:
		}
		if !dirty {
			continue
		}
		if err := saveSnapshot(ctx, in, st); err != nil {
			log.Log(ctx, logging.LevelWarn, "snapshot not saved", logging.Err(err))
			continue
		}
		dirty = false
	}
}
