package openport

import (
	"context"
	"github.com/openportio/openport-tunnels/utils"
	log "github.com/sirupsen/logrus"
	"time"
)

// RunHeartbeat evaluates all tunnels every interval until ctx is done. When evaluation fails
// (usually a locked or unreadable database) it retries sooner, backing off up to interval.
func (app *App) RunHeartbeat(ctx context.Context, interval time.Duration) {
	sleeper := utils.NewIncrementalSleeper(time.Second, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tunnels, err := app.Evaluate(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warnf("Heartbeat failed, retrying in %s: %s", sleeper.SleepTime, err)
			if sleeper.SleepContext(ctx) != nil {
				return
			}
			continue
		}
		sleeper.Reset()
		log.Debugf("Heartbeat evaluated %d tunnels", len(tunnels))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
