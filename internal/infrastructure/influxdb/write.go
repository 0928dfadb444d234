package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTaskRuns     = "task_runs"
	MeasurementTaskProgress = "task_progress"
	MeasurementWSAuth       = "ws_auth"
)

// WriteTaskRun records the outcome of one task attempt. state is the
// terminal result state (SUCCESS, FAILURE) or RETRY.
func (c *Client) WriteTaskRun(name, queue, state string, attempt int, duration time.Duration) {
	c.writePoint(MeasurementTaskRuns,
		map[string]string{
			"task":  name,
			"queue": queue,
			"state": state,
		},
		map[string]any{
			"attempt":     attempt,
			"duration_ms": duration.Milliseconds(),
		},
		time.Now(),
	)
}

// WriteTaskProgress records a progress step.
func (c *Client) WriteTaskProgress(name, taskID string, step, progress int) {
	c.writePoint(MeasurementTaskProgress,
		map[string]string{"task": name},
		map[string]any{
			"task_id":  taskID,
			"step":     step,
			"progress": progress,
		},
		time.Now(),
	)
}

// WriteSessionAuth records a WebSocket authentication outcome such as
// "success", "rejected", or "timeout".
func (c *Client) WriteSessionAuth(outcome string) {
	c.writePoint(MeasurementWSAuth,
		map[string]string{"outcome": outcome},
		map[string]any{"count": 1},
		time.Now(),
	)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
