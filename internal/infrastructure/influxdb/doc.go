// Package influxdb records Keyrelay task and session metrics in InfluxDB.
//
// It wraps influxdb-client-go v2 with connection management, a health
// check, and typed writers for the measurements Keyrelay produces:
//
//	task_runs      one point per finished task attempt (state, attempt, duration)
//	task_progress  one point per progress step of a streaming task
//	ws_auth        one point per WebSocket authentication outcome
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteTaskProgress("streaming_task", taskID, 3, 30)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Write failures arrive asynchronously through SetOnError.
// A nil *Client accepts every write and drops it, so callers can hold one
// unconditionally when InfluxDB is disabled.
package influxdb
