// Package process supervises a child process, restarting it with backoff
// when it exits unexpectedly.
//
// keyrelay serve uses it to run "keyrelay worker" next to the gateway when
// tasks are carried over MQTT:
//
//	sup := process.NewSupervisor(process.Config{
//	    Name:             "worker",
//	    Binary:           exe,
//	    Args:             []string{"worker", "--config", path},
//	    RestartOnFailure: true,
//	    RestartDelay:     5 * time.Second,
//	}, logger)
//
//	err := sup.Run(ctx) // blocks until ctx is cancelled or restarts run out
//
// The child runs in its own process group. Cancelling ctx sends SIGTERM to
// the group and escalates to SIGKILL after StopTimeout.
package process
