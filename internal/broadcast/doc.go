// Package broadcast fans task events out to named groups of WebSocket
// sessions.
//
// A Hub holds group membership for one gateway process. Anything that
// produces events writes through the Publisher interface, which the Hub
// implements directly for an embedded worker. When workers run in their own
// processes they publish through MQTTPublisher instead, and the gateway runs
// an MQTTRelay that feeds the broker traffic back into its Hub:
//
//	worker: StreamingTask -> MQTTPublisher -> keyrelay/groups/{group}
//	gateway: keyrelay/groups/+ -> MQTTRelay -> Hub -> Member.Deliver
//
// Delivery is fire-and-forget. Members must not block in Deliver.
package broadcast
