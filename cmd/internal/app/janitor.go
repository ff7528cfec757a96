package app

import (
	"context"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/device"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/refresh"
)

// janitor periodically drops expired refresh families and verification codes.
type janitor struct {
	families refresh.Store
	devices  *device.Registry
	interval time.Duration
	log      Logger
	now      func() time.Time
}

func newJanitor(families refresh.Store, devices *device.Registry, interval time.Duration, log Logger) *janitor {
	return &janitor{
		families: families,
		devices:  devices,
		interval: interval,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is done.
func (j *janitor) Run(ctx context.Context) error {
	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			j.sweep(ctx)
		}
	}
}

func (j *janitor) sweep(ctx context.Context) {
	now := j.now()

	fams, err := j.families.PurgeExpired(ctx, now)
	if err != nil && ctx.Err() == nil {
		j.log.Error("janitor.refresh.purge_failed", "err", err)
	}
	codes, err := j.devices.PurgeExpiredCodes(ctx, now)
	if err != nil && ctx.Err() == nil {
		j.log.Error("janitor.device_codes.purge_failed", "err", err)
	}
	if fams > 0 || codes > 0 {
		j.log.Info("janitor.sweep", "families", fams, "codes", codes)
	}
}
