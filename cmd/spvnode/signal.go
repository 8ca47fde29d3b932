package main

import (
	"context"
	"os"
	"os/signal"
)

// shutdownSignaled is closed when an interrupt is received. Any context
// created with withShutdownCancel is cancelled when this closes.
var shutdownSignaled = make(chan struct{})

var signals = []os.Signal{os.Interrupt}

// withShutdownCancel returns a copy of ctx that is cancelled once an
// interrupt signal is received.
func withShutdownCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-shutdownSignaled
		cancel()
	}()
	return ctx
}

// shutdownListener blocks until an interrupt signal arrives, then closes
// shutdownSignaled. It is intended to run in its own goroutine.
func shutdownListener() {
	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, signals...)

	sig := <-interruptChannel
	log.Infof("Received signal (%s). Shutting down...", sig)
	close(shutdownSignaled)

	for range interruptChannel {
		log.Info("Shutdown already in progress...")
	}
}
