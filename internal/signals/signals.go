// Package signals adapts process signals into explicit exit paths. The
// signal layer only triggers the paths; the cleanup logic itself lives in
// the functions callers register, which must be idempotent.
//
// SIGINT and SIGUSR1 take the clean-exit path (exit 0, parent notified);
// SIGUSR2 takes the fatal path (exit 1, parent notification suppressed;
// the parent observing the exit status is the failure signal).
package signals

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler owns the process's dispositions for the three application
// signals while installed.
type Handler struct {
	logger *slog.Logger
	ch     chan os.Signal

	mu       sync.Mutex
	cleanups []func()

	// Overridable for tests.
	exit         func(int)
	notifyParent bool
}

// New creates a Handler. Call Install to take over the signals.
func New(logger *slog.Logger) *Handler {
	return &Handler{
		logger:       logger.With(slog.String("component", "signals")),
		ch:           make(chan os.Signal, 1),
		exit:         os.Exit,
		notifyParent: true,
	}
}

// OnExit registers a cleanup run on both exit paths. Cleanups run in
// reverse registration order.
func (h *Handler) OnExit(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, fn)
}

// Install starts routing SIGINT, SIGUSR1 and SIGUSR2 into the exit
// paths.
func (h *Handler) Install() {
	signal.Notify(h.ch, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
	go h.loop()
}

func (h *Handler) loop() {
	sig, ok := <-h.ch
	if !ok {
		return
	}
	h.logger.Info("received signal", slog.String("signal", sig.String()))
	if sig == syscall.SIGUSR2 {
		h.Die("")
		return
	}
	h.CleanExit("")
}

// Restore puts the default dispositions back and stops delivery to this
// handler.
func (h *Handler) Restore() {
	signal.Stop(h.ch)
	signal.Reset(syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
}

// CleanExit restores signal dispositions, runs cleanups, pokes the
// parent process with SIGUSR2 so a wrapping invocation unwinds too, and
// exits 0. Does not return.
func (h *Handler) CleanExit(message string) {
	if message != "" {
		fmt.Println(message)
	}
	h.Restore()
	h.runCleanups()
	if h.notifyParent {
		if ppid := os.Getppid(); ppid > 1 {
			_ = syscall.Kill(ppid, syscall.SIGUSR2)
		}
	}
	h.exit(0)
}

// Die prints an error marker to stderr, restores dispositions, runs
// cleanups and exits 1. The parent is deliberately not signalled on this
// path. Does not return.
func (h *Handler) Die(message string) {
	if message != "" {
		fmt.Fprintf(os.Stderr, "\nERROR: %s\n\n", message)
	}
	h.Restore()
	h.runCleanups()
	h.exit(1)
}

func (h *Handler) runCleanups() {
	h.mu.Lock()
	cleanups := h.cleanups
	h.cleanups = nil
	h.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}
