package blackhole

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"ella.to/blackhole/internal/metrics"
)

var ErrClosed = errors.New("store is closed")

type eventType int

const (
	_ eventType = iota
	appendEvent
	subscribeEvent
	unsubscribeEvent
)

type event struct {
	Type    eventType
	Record  *Record
	Sub     chan *Record
	Since   int
	Backlog []*Record
	Result  chan error
}

// Store keeps the request log in memory and mirrors it to a file. All writes
// go through a single goroutine, so the order of records in memory and on
// disk is the same.
type Store struct {
	path string
	file *os.File

	mu      sync.RWMutex
	records []*Record
	size    int64

	// owned by the writer goroutine
	subs map[chan *Record]struct{}

	events chan *event
	close  chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *Store) Path() string {
	return s.path
}

// Append writes the record to the file and then to memory. It returns once
// both are done, or with an error if the write failed, in which case the
// record is kept in neither. ctx only bounds the wait for a slot in the
// queue; once queued, Append reports what the writer did with the record.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	evt := &event{
		Type:   appendEvent,
		Record: rec,
		Result: make(chan error, 1),
	}

	if err := s.push(ctx, evt); err != nil {
		return err
	}

	select {
	case err := <-evt.Result:
		return err
	case <-s.done:
		// the writer may have replied right before stopping
		select {
		case err := <-evt.Result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Subscribe registers a live subscriber which receives every record appended
// after the call returns. If since is not negative, the records after the
// first since ones are returned as a backlog, taken at the same point the
// subscriber was registered, so backlog and channel together miss nothing.
// The channel is closed by cancel or when the store closes. Slow subscribers
// miss records instead of blocking the writer.
func (s *Store) Subscribe(ctx context.Context, since int, bufferSize int) ([]*Record, <-chan *Record, func(), error) {
	sub := make(chan *Record, bufferSize)
	evt := &event{
		Type:   subscribeEvent,
		Sub:    sub,
		Since:  since,
		Result: make(chan error, 1),
	}

	if err := s.push(ctx, evt); err != nil {
		return nil, nil, nil, err
	}

	cancel := func() {
		_ = s.push(context.Background(), &event{Type: unsubscribeEvent, Sub: sub})
	}

	select {
	case <-evt.Result:
	case <-ctx.Done():
		// the subscribe event is already queued
		cancel()
		return nil, nil, nil, ctx.Err()
	case <-s.done:
		return nil, nil, nil, ErrClosed
	}

	return evt.Backlog, sub, cancel, nil
}

func (s *Store) push(ctx context.Context, evt *event) error {
	select {
	case <-s.close:
		return ErrClosed
	default:
	}

	select {
	case <-s.close:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.events <- evt:
		return nil
	}
}

// Snapshot returns a copy of the current log.
func (s *Store) Snapshot() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

// Text returns all log lines joined in arrival order.
func (s *Store) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return joinRecords(s.records)
}

// View returns the joined log lines together with the record count and
// log size, all taken from the same snapshot.
func (s *Store) View() (text string, count int, size int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return joinRecords(s.records), len(s.records), s.size
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// Size is the number of bytes of the file that belong to the log.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.size
}

type LogReader struct {
	*io.SectionReader
	ModTime time.Time
	file    *os.File
}

func (l *LogReader) Close() error {
	return l.file.Close()
}

// Open opens the log file by path and returns a reader over the bytes that
// were written so far. It fails if the file has been removed.
func (s *Store) Open() (*LogReader, error) {
	size := s.Size()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open request log: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat request log: %w", err)
	}

	if stat.Size() < size {
		f.Close()
		return nil, fmt.Errorf("request log is shorter than expected: %d < %d", stat.Size(), size)
	}

	return &LogReader{
		SectionReader: io.NewSectionReader(f, 0, size),
		ModTime:       stat.ModTime(),
		file:          f,
	}, nil
}

func (s *Store) Close() error {
	var err error

	s.once.Do(func() {
		close(s.close)
		<-s.done
		err = s.file.Close()
	})

	return err
}

func (s *Store) write(rec *Record) error {
	line := rec.String()

	n, err := s.file.WriteString(line)
	if err != nil {
		metrics.RecordError()
		if n > 0 {
			// drop the partial line so the file keeps matching memory
			if terr := s.file.Truncate(s.size); terr != nil {
				slog.Error("failed to roll back partial write", "path", s.path, "error", terr)
			}
		}
		return fmt.Errorf("failed to write request log: %w", err)
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.size += int64(n)
	s.mu.Unlock()

	metrics.RecordAppended(n)

	slog.Info("received request", "id", rec.ID, "method", rec.Method, "path", rec.Path, "record", line)

	for sub := range s.subs {
		select {
		case sub <- rec:
		default:
			metrics.StreamDropped()
			slog.Warn("subscriber is too slow, dropping record", "id", rec.ID)
		}
	}

	return nil
}

func (s *Store) run() {
	defer close(s.done)
	defer slog.Debug("Store: stopped")

	for {
		select {
		case <-s.close:
			for sub := range s.subs {
				close(sub)
			}
			s.subs = nil
			return
		case evt := <-s.events:
			switch evt.Type {
			case appendEvent:
				evt.Result <- s.write(evt.Record)
			case subscribeEvent:
				if evt.Since >= 0 && evt.Since < len(s.records) {
					evt.Backlog = make([]*Record, len(s.records)-evt.Since)
					copy(evt.Backlog, s.records[evt.Since:])
				}
				s.subs[evt.Sub] = struct{}{}
				metrics.StreamSubscribers(len(s.subs))
				evt.Result <- nil
			case unsubscribeEvent:
				if _, ok := s.subs[evt.Sub]; ok {
					delete(s.subs, evt.Sub)
					close(evt.Sub)
					metrics.StreamSubscribers(len(s.subs))
				}
			default:
				continue
			}
		}
	}
}

// NewStore creates (or truncates) the file at path and starts the writer.
func NewStore(path string, bufferSize int) (*Store, error) {
	if bufferSize <= 0 {
		bufferSize = 1
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create request log %q: %w", path, err)
	}

	s := &Store{
		path:   path,
		file:   f,
		subs:   make(map[chan *Record]struct{}),
		events: make(chan *event, bufferSize),
		close:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	go s.run()

	return s, nil
}
