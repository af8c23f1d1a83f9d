package agent

import (
	"context"
	"errors"
	"io"

	"github.com/google/pprof/profile"
	"golang.org/x/sys/unix"

	"github.com/tripwire/profiler/internal/aggregator"
	"github.com/tripwire/profiler/internal/eventpump"
)

// pumpWatcher adapts an [eventpump.Pump] and the [aggregator.Aggregator] it
// feeds into the agent's Watcher interface. Both CPU and allocation
// watchers are pumpWatchers; they differ only in how their ring-buffer
// sources are opened, which is architecture- and OS-specific and lives in
// cpuwatcher_linux.go and allocwatcher_linux.go.
type pumpWatcher struct {
	name    string
	pump    *eventpump.Pump
	agg     *aggregator.Aggregator
	closers []io.Closer
}

func (w *pumpWatcher) Name() string { return w.name }

func (w *pumpWatcher) Run(ctx context.Context) error {
	return w.pump.Run(ctx)
}

func (w *pumpWatcher) Flush(timeNanos, durationNanos int64) *profile.Profile {
	return w.agg.Flush(timeNanos, durationNanos)
}

func (w *pumpWatcher) Close() error {
	var errs []error
	if err := w.pump.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range w.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fdCloser adapts a raw file descriptor to io.Closer, for resources
// (cgroup directory fds, memfds) that AddKernelSource/AddAllocSource don't
// already take ownership of via a *ringbuf reader.
type fdCloser int

func (fd fdCloser) Close() error { return unix.Close(int(fd)) }
