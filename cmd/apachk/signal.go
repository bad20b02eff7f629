package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// setupSignalHandler catches termination signals so that a repair pass is
// never cut short. The returned channel is closed when a signal arrives;
// callers check it between passes and stop before starting the next one.
func setupSignalHandler() (<-chan struct{}, func()) {
	shutdown := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(os.Stderr, "\nReceived signal: %v\n", sig)
			fmt.Fprintf(os.Stderr, "Finishing the current pass before exiting...\n")
			close(shutdown)
		case <-done:
		}
	}()

	stop := func() {
		signal.Stop(sigChan)
		close(done)
	}
	return shutdown, stop
}

// interrupted reports whether a shutdown signal has been received
func interrupted(shutdown <-chan struct{}) bool {
	select {
	case <-shutdown:
		return true
	default:
		return false
	}
}
