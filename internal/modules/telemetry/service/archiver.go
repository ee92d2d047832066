package service

import (
	"log/slog"
	"sync"
	"time"

	"healthsense-server/internal/modules/telemetry/types"
)

const archiveQueueSize = 256

// ArchiveWriter is the insert side of the SQLite archive.
type ArchiveWriter interface {
	InsertReading(r types.Reading, receivedAt time.Time) error
}

type archiveItem struct {
	reading    types.Reading
	receivedAt time.Time
}

// Archiver copies stored readings into the archive on a background
// goroutine, so a slow database never holds up ingest. Readings are
// dropped when the queue is full.
type Archiver struct {
	repo   ArchiveWriter
	logger *slog.Logger
	now    func() time.Time

	queue chan archiveItem
	done  chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewArchiver(repo ArchiveWriter, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		queue:  make(chan archiveItem, archiveQueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the worker. Calling it twice is a no-op.
func (a *Archiver) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return
	}
	a.started = true
	go a.run()
}

// Enqueue schedules r for archiving. It never blocks.
func (a *Archiver) Enqueue(r types.Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	select {
	case a.queue <- archiveItem{reading: r, receivedAt: a.now()}:
	default:
		a.logger.Warn("archive queue full, dropping reading", "timestamp", r.Timestamp)
	}
}

// Stop drains the queue and waits for the worker to exit.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	started := a.started
	close(a.queue)
	a.mu.Unlock()

	if started {
		<-a.done
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for item := range a.queue {
		if err := a.repo.InsertReading(item.reading, item.receivedAt); err != nil {
			a.logger.Error("failed to archive reading",
				"timestamp", item.reading.Timestamp,
				"error", err,
			)
		}
	}
}
