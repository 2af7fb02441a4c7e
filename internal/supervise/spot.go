package supervise

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// The cloud gives spot instances a two minute warning before reclaiming
// them. Polling the instance-action endpoint and shutting down cleanly on
// notice is the difference between a graceful exit and a power cut.

const (
	spotPollInterval = 5 * time.Second
	spotActionPath   = "spot/instance-action"
)

type spotAction struct {
	Action string `json:"action"`
	Time   string `json:"time"`
}

// SpotMonitor polls for a termination notice.
type SpotMonitor struct {
	imds       SpotImds
	supervisor *Supervisor
}

// SpotImds is the metadata surface the monitor needs; a 404-detecting
// predicate rides along with the fetch.
type SpotImds interface {
	GetMetadata(ctx context.Context, path string) (string, error)
	IsNotFound(err error) bool
}

// StartSpotMonitor polls the termination notice endpoint in the
// background. On any successful response the supervisor's shutdown is
// triggered; a 404 means no notice and polling continues, as do other
// errors.
func StartSpotMonitor(ctx context.Context, imds SpotImds, supervisor *Supervisor) {
	m := &SpotMonitor{imds: imds, supervisor: supervisor}
	go m.run(ctx)
}

func (m *SpotMonitor) run(ctx context.Context) {
	slog.Debug("starting spot termination monitor",
		slog.Duration("poll_interval", spotPollInterval))
	for {
		time.Sleep(spotPollInterval)

		response, err := m.imds.GetMetadata(ctx, spotActionPath)
		if err != nil {
			if m.imds.IsNotFound(err) {
				continue // No termination scheduled.
			}
			slog.Warn("failed to check spot termination status",
				slog.String("error", err.Error()))
			continue
		}

		var action spotAction
		if err := json.Unmarshal([]byte(response), &action); err != nil {
			slog.Warn("failed to parse spot action response",
				slog.String("error", err.Error()))
		} else {
			slog.Info("spot termination notice received",
				slog.String("action", action.Action), slog.String("time", action.Time))
		}
		slog.Info("initiating graceful shutdown due to spot termination")
		m.supervisor.Stop()
		return
	}
}
