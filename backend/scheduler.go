package backend

import (
	"context"
	"time"

	"github.com/hivetrap/hivetrap/logger"
)

const (
	// delay before the first heartbeat so the listeners are up by the time
	// the backend learns about this sensor
	startupBeatDelay = 5 * time.Second

	// ReplayInterval is how often the replay scheduler considers a pass.
	ReplayInterval = 5 * time.Minute
)

// StartHeartbeat runs the heartbeat schedule until the context is cancelled.
// One beat fires shortly after startup, then one per interval. Offline mode
// sends nothing.
func (c *Client) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if c.offline {
		lg := logger.GetLogger()
		lg.Info().Msg("offline mode, heartbeats disabled")
		return
	}

	go func() {
		select {
		case <-time.After(startupBeatDelay):
		case <-ctx.Done():
			return
		}
		_ = c.Heartbeat(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = c.Heartbeat(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StartReplay runs the spool replay schedule until the context is cancelled.
// A pass only happens while the report link is failing, records spooled
// while the link is healthy are left for `spool upload`.
func (c *Client) StartReplay(ctx context.Context) {
	if c.offline {
		return
	}

	go func() {
		ticker := time.NewTicker(ReplayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.diag.ReportFailures() == 0 {
					continue
				}
				if _, _, err := c.Replay(ctx); err != nil {
					lg := logger.GetLogger()
					lg.Err(err).Msg("spool replay pass failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
