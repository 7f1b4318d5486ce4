// Package main is the entry point for the telemetry service.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/radar-lgpd/radar-telemetry/cmd/telemetry-service/daemon"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	a, err := daemon.New()
	if err != nil {
		slog.Error("Failed to create the service", "err", err)
		os.Exit(exitFailure)
	}

	os.Exit(run(a))
}

type app interface {
	Run() error
	UsageError() bool
	Hup() bool
	Quit()
}

// run runs a until it returns and maps its outcome to an exit code.
func run(a app) int {
	stop := watchSignals(a)
	defer stop()

	err := a.Run()
	switch {
	case err == nil:
		return exitOK
	case a.UsageError():
		slog.Error("Invalid usage", "err", err)
		return exitUsage
	default:
		slog.Error("Service stopped on error", "err", err)
		return exitFailure
	}
}

// watchSignals quits a on SIGINT and SIGTERM, and on SIGHUP when a.Hup asks for it.
// The returned function stops watching and waits for the watcher to exit.
func watchSignals(a app) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				if sig == syscall.SIGHUP && !a.Hup() {
					slog.Info("Service kept running on SIGHUP")
					continue
				}
				slog.Info("Stopping the service", "signal", sig)
				a.Quit()
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
		<-exited
	}
}
