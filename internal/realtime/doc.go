// Package realtime keeps local rows fresh with "smart sync": an event
// stream and a polling loop running side by side.
//
// State machine:
//
//	STARTING -> STREAMING <-> DEGRADED -> STOPPED
//
// The stream path opens GET /sync/stream?user_id&since&tables (websocket)
// and applies every pull-shaped envelope it receives. Malformed events are
// logged and skipped. When the stream fails the coordinator enters DEGRADED
// and reconnects from the current cursor with exponential backoff.
//
// The poll path pulls on a fixed interval at all times, not only while
// degraded. Failed polls back off exponentially up to a cap; a successful
// poll resets the interval.
//
// Stopping (ctx cancellation or Stop) is cooperative: in-flight requests may
// finish but nothing they return is applied, no timer or reconnect is
// scheduled, and once Start has returned no callback runs again.
//
// Usage:
//
//	coord, err := realtime.New(session, realtime.NewWebSocketDialer(client), nil)
//	if err != nil {
//	    return err
//	}
//	go coord.Start(ctx)
//	defer coord.Stop()
package realtime
