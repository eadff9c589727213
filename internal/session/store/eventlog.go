package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/events/bus"
)

// EventLog is the append-only lifecycle event journal, one JSON object per
// line. Appends are serialized; ids are positive int64, strictly increasing
// for the life of the process, and resume past the last persisted id on
// restart. When a bus is attached, every appended event is also published.
type EventLog struct {
	path   string
	logger *logger.Logger
	bus    bus.EventBus // optional

	mu     sync.Mutex
	file   *os.File
	nextID int64
}

// OpenEventLog opens (creating if needed) the journal under dir and seeds
// the id counter from the last persisted line. eventBus may be nil.
func OpenEventLog(dir string, log *logger.Logger, eventBus bus.EventBus) (*EventLog, error) {
	path := filepath.Join(dir, eventLogFile)

	last, err := lastEventID(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &EventLog{
		path:   path,
		logger: log.WithFields(zap.String("component", "event-log")),
		bus:    eventBus,
		file:   file,
		nextID: last + 1,
	}, nil
}

// lastEventID scans the journal for the highest persisted id. A missing
// file means a fresh journal. Lines that fail to decode are skipped; a
// torn final line from a crash must not brick the log.
func lastEventID(path string) (int64, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read event log: %w", err)
	}
	defer file.Close()

	var last int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.ID > last {
			last = e.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan event log: %w", err)
	}
	return last, nil
}

// Append assigns the next id, timestamps the event if needed, and writes
// one line. The assigned id is set on the event.
func (l *EventLog) Append(e *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = l.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	l.nextID++
	return nil
}

// Emit appends the event and publishes it to the bus. Journal failure is
// the only failure; publication is best effort and logged.
func (l *EventLog) Emit(ctx context.Context, e *events.Event) error {
	if err := l.Append(e); err != nil {
		return err
	}
	if l.bus != nil {
		if err := l.bus.Publish(ctx, events.Subject(e), e); err != nil {
			l.logger.Warn("failed to publish event",
				zap.String("type", e.Type), zap.Int64("id", e.ID), zap.Error(err))
		}
	}
	return nil
}

// Tail returns up to n most recent events, oldest first.
func (l *EventLog) Tail(n int) ([]*events.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var all []*events.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		all = append(all, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Close flushes and closes the journal file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
