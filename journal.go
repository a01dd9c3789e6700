package logtrust

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"golang.org/x/crypto/hkdf"
)

// JournalKeySize is the size in bytes of journal chain keys.
const JournalKeySize = 32

// EventKind names a trust change.
type EventKind string

// Trust journal event kinds.
const (
	EventClientAdded     EventKind = "client_added"
	EventClientRemoved   EventKind = "client_removed"
	EventClientLoggers   EventKind = "client_loggers"
	EventFlagAdded       EventKind = "flag_added"
	EventFlagRemoved     EventKind = "flag_removed"
	EventLoggerFlagAdded EventKind = "logger_flag_added"
	EventUnknownLogger   EventKind = "unknown_logger"
	EventConfigLoaded    EventKind = "config_loaded"
	EventConfigRejected  EventKind = "config_rejected"
	EventConfigSaved     EventKind = "config_saved"
	EventJournalClosed   EventKind = "journal_closed"
)

// TrustEvent is one authenticated journal entry. Tag chains it to every
// earlier entry.
type TrustEvent struct {
	Index   uint64
	TS      int64 // unix nanos
	ID      uuid.UUID
	Kind    EventKind
	Subject string
	Tag     [32]byte
}

// JournalTail is the index and aggregate tag of the last entry.
type JournalTail struct {
	Index uint64
	Tag   [32]byte
}

// JournalStore persists journal entries.
type JournalStore interface {
	Append(ev TrustEvent) error
	Iter(startIdx uint64) (<-chan TrustEvent, func() error, error)
	Tail() (JournalTail, bool, error)
	Close() error
}

// DeriveJournalKey stretches an operator secret into the initial chain key.
func DeriveJournalKey(secret, salt []byte) ([JournalKeySize]byte, error) {
	var k [JournalKeySize]byte
	r := hkdf.New(sha256.New, secret, salt, []byte("logtrust journal v1"))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return k, fmt.Errorf("derive journal key: %w", err)
	}
	return k, nil
}

// Journal appends trust changes to a forward-secure HMAC chain. The chain
// key evolves after every entry, so a key captured later cannot forge
// earlier entries.
type Journal struct {
	mu    sync.Mutex
	k0    [JournalKeySize]byte
	key   [JournalKeySize]byte
	i     uint64
	tag   [32]byte
	store JournalStore
	clock clock.Clock
}

// OpenJournal binds a journal to st, resuming after its last entry.
func OpenJournal(st JournalStore, k0 [JournalKeySize]byte, clk clock.Clock) (*Journal, error) {
	if clk == nil {
		clk = clock.Default()
	}
	j := &Journal{k0: k0, key: k0, store: st, clock: clk}
	tail, ok, err := st.Tail()
	if err != nil {
		return nil, fmt.Errorf("read journal tail: %w", err)
	}
	if ok {
		for n := uint64(0); n < tail.Index; n++ {
			fwdKey(&j.key)
		}
		j.i = tail.Index
		j.tag = tail.Tag
	}
	return j, nil
}

// Append records one event and persists it.
func (j *Journal) Append(kind EventKind, subject string) (TrustEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := j.key
	fwdKey(&key)

	ev := TrustEvent{
		Index:   j.i + 1,
		TS:      j.clock.Now().UnixNano(),
		ID:      uuid.New(),
		Kind:    kind,
		Subject: subject,
	}
	m := eventMAC(key, ev)
	if ev.Index == 1 && isZero32(j.tag) {
		ev.Tag = htag(m)
	} else {
		ev.Tag = fold(j.tag, m)
	}

	if err := j.store.Append(ev); err != nil {
		return TrustEvent{}, err
	}
	j.key = key
	j.i = ev.Index
	j.tag = ev.Tag
	return ev, nil
}

// LastState returns the index and aggregate tag of the last entry.
func (j *Journal) LastState() JournalTail {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JournalTail{Index: j.i, Tag: j.tag}
}

// Events returns every entry from startIdx on.
func (j *Journal) Events(startIdx uint64) ([]TrustEvent, error) {
	return collectEvents(j.store, startIdx)
}

// Verify replays the whole store from the initial key and checks it against
// the stored tail.
func (j *Journal) Verify() error {
	events, err := collectEvents(j.store, 1)
	if err != nil {
		return err
	}
	tail, ok, err := j.store.Tail()
	if err != nil {
		return err
	}
	if !ok {
		if len(events) != 0 {
			return ErrGap
		}
		return nil
	}
	final, err := VerifyJournal(events, 0, j.k0, [32]byte{})
	if err != nil {
		return err
	}
	if uint64(len(events)) != tail.Index {
		return ErrGap
	}
	if !tagEqual(final, tail.Tag) {
		return ErrTagMismatch
	}
	return nil
}

// Close seals the journal with a closing entry and closes the store.
func (j *Journal) Close() error {
	if _, err := j.Append(EventJournalClosed, ""); err != nil {
		_ = j.store.Close()
		return err
	}
	return j.store.Close()
}

func collectEvents(st JournalStore, startIdx uint64) ([]TrustEvent, error) {
	ch, done, err := st.Iter(startIdx)
	if err != nil {
		return nil, err
	}
	defer done()
	var out []TrustEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out, nil
}

// eventMAC authenticates idx || ts || id || kind || 0x00 || subject.
func eventMAC(key [JournalKeySize]byte, ev TrustEvent) [32]byte {
	var idx, ts [8]byte
	binary.BigEndian.PutUint64(idx[:], ev.Index)
	binary.BigEndian.PutUint64(ts[:], uint64(ev.TS))
	return mac(key[:], idx[:], ts[:], ev.ID[:], []byte(ev.Kind), []byte{0}, []byte(ev.Subject))
}
