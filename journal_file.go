package logtrust

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// fileJournalStore implements JournalStore with append-only files.
//
// Entry format in events.dat:
//
//	[8]byte: index (uint64)
//	[8]byte: timestamp (int64)
//	[16]byte: event id (uuid)
//	[2]byte: kind length (uint16)
//	[n]byte: kind
//	[4]byte: subject length (uint32)
//	[m]byte: subject
//	[32]byte: tag
//
// Tail format in tail.dat:
//
//	[8]byte: index (uint64)
//	[32]byte: tag
type fileJournalStore struct {
	dir       string
	eventFile *os.File
	tailFile  *os.File
	lastIdx   uint64
	mu        sync.RWMutex
}

const (
	eventsFileName     = "events.dat"
	journalTailName    = "tail.dat"
	journalTailSize    = 8 + 32
	maxEventFieldBytes = 1 << 20
)

// OpenFileJournalStore creates or opens a file based journal in dir.
func OpenFileJournalStore(dir string) (JournalStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	eventFile, err := os.OpenFile(filepath.Join(dir, eventsFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	tailFile, err := os.OpenFile(filepath.Join(dir, journalTailName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = eventFile.Close()
		return nil, fmt.Errorf("open tail file: %w", err)
	}

	s := &fileJournalStore{dir: dir, eventFile: eventFile, tailFile: tailFile}
	last, err := s.scanLastIndex()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.lastIdx = last
	return s, nil
}

// Append writes ev and then the new tail.
func (s *fileJournalStore) Append(ev TrustEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastIdx != ev.Index-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", s.lastIdx, ev.Index)
	}
	if len(ev.Kind) > 0xffff || len(ev.Subject) > maxEventFieldBytes {
		return errors.New("event field too large")
	}

	if err := syscall.Flock(int(s.eventFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock event file: %w", err)
	}
	defer syscall.Flock(int(s.eventFile.Fd()), syscall.LOCK_UN)

	if _, err := s.eventFile.Write(encodeEvent(ev)); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.eventFile.Sync(); err != nil {
		return fmt.Errorf("sync event file: %w", err)
	}
	if err := s.writeTailLocked(JournalTail{Index: ev.Index, Tag: ev.Tag}); err != nil {
		return err
	}
	s.lastIdx = ev.Index
	return nil
}

func encodeEvent(ev TrustEvent) []byte {
	buf := make([]byte, 0, 8+8+16+2+len(ev.Kind)+4+len(ev.Subject)+32)
	buf = binary.BigEndian.AppendUint64(buf, ev.Index)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ev.TS))
	buf = append(buf, ev.ID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(ev.Kind)))
	buf = append(buf, ev.Kind...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ev.Subject)))
	buf = append(buf, ev.Subject...)
	return append(buf, ev.Tag[:]...)
}

// decodeEvent reads one entry. It returns io.EOF only at a clean boundary.
func decodeEvent(r io.Reader) (TrustEvent, error) {
	var ev TrustEvent
	var head [8 + 8 + 16 + 2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return ev, err
	}
	ev.Index = binary.BigEndian.Uint64(head[0:8])
	ev.TS = int64(binary.BigEndian.Uint64(head[8:16]))
	copy(ev.ID[:], head[16:32])
	kind := make([]byte, binary.BigEndian.Uint16(head[32:34]))
	if _, err := io.ReadFull(r, kind); err != nil {
		return ev, unexpected(err)
	}
	ev.Kind = EventKind(kind)

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return ev, unexpected(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxEventFieldBytes {
		return ev, fmt.Errorf("subject length %d out of range", n)
	}
	subject := make([]byte, n)
	if _, err := io.ReadFull(r, subject); err != nil {
		return ev, unexpected(err)
	}
	ev.Subject = string(subject)
	if _, err := io.ReadFull(r, ev.Tag[:]); err != nil {
		return ev, unexpected(err)
	}
	return ev, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// scanLastIndex reads the event file once at open.
func (s *fileJournalStore) scanLastIndex() (uint64, error) {
	f, err := os.Open(filepath.Join(s.dir, eventsFileName))
	if err != nil {
		return 0, fmt.Errorf("open event file for reading: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var last uint64
	for {
		ev, err := decodeEvent(reader)
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read event after %d: %w", last, err)
		}
		last = ev.Index
	}
}

// Iter yields events from startIdx on.
func (s *fileJournalStore) Iter(startIdx uint64) (<-chan TrustEvent, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(filepath.Join(s.dir, eventsFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open event file for reading: %w", err)
	}

	out := make(chan TrustEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer file.Close()

		reader := bufio.NewReader(file)
		for {
			ev, err := decodeEvent(reader)
			if err != nil {
				return
			}
			if ev.Index < startIdx {
				continue
			}
			select {
			case out <- ev:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cleanup := func() error {
		once.Do(func() { close(done) })
		return nil
	}
	return out, cleanup, nil
}

// Tail returns the last written tail.
func (s *fileJournalStore) Tail() (JournalTail, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tail JournalTail
	buf := make([]byte, journalTailSize)
	if _, err := s.tailFile.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return tail, false, nil
		}
		return tail, false, fmt.Errorf("read tail: %w", err)
	}
	tail.Index = binary.BigEndian.Uint64(buf[0:8])
	copy(tail.Tag[:], buf[8:40])
	return tail, true, nil
}

func (s *fileJournalStore) writeTailLocked(tail JournalTail) error {
	buf := make([]byte, journalTailSize)
	binary.BigEndian.PutUint64(buf[0:8], tail.Index)
	copy(buf[8:40], tail.Tag[:])
	if _, err := s.tailFile.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write tail: %w", err)
	}
	if err := s.tailFile.Sync(); err != nil {
		return fmt.Errorf("sync tail file: %w", err)
	}
	return nil
}

// Close closes both files.
func (s *fileJournalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.eventFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event file: %w", err))
	}
	if err := s.tailFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tail file: %w", err))
	}
	return errors.Join(errs...)
}
