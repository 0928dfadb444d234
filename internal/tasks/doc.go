// Package tasks runs Keyrelay's background work and relays its progress
// to WebSocket groups.
//
// The moving parts:
//
//	Dispatcher  records a PENDING result and publishes a Message to its queue
//	Broker      carries Messages to workers (in-memory, or MQTT shared subscription)
//	Worker      runs Messages on a bounded pool with soft and hard time limits
//	Scheduler   holds delayed retries and periodic beats in a bbolt file
//	ResultStore keeps the latest state of every task in SQLite
//
// Tasks publish events through their Run, which is sealed once the attempt
// is over. A task abandoned at the hard time limit can therefore never
// publish after its failure has been announced.
//
// Retries are never looped in-process. A failed attempt is handed to the
// Scheduler with an ETA and comes back through the Broker like any other
// Message, keeping its task ID and incrementing Attempt.
package tasks
