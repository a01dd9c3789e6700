package logtrust

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
)

// ErrGap indicates missing or non-sequential journal entries.
var ErrGap = errors.New("gap or reordering detected")

// ErrTagMismatch indicates a chain tag that does not verify, from tampering
// or a wrong key.
var ErrTagMismatch = errors.New("tag mismatch: tampering or wrong key")

// VerifyJournal replays events that follow entry startIdx, whose chain key
// was kStart and aggregate tag tStart (zero when replaying from the
// beginning). It returns the aggregate tag of the last event.
func VerifyJournal(events []TrustEvent, startIdx uint64, kStart [JournalKeySize]byte, tStart [32]byte) (lastTag [32]byte, err error) {
	key := kStart
	prev := tStart
	expect := startIdx

	for _, ev := range events {
		expect++
		if ev.Index != expect {
			return lastTag, ErrGap
		}
		fwdKey(&key)

		m := eventMAC(key, ev)
		var tag [32]byte
		if isZero32(prev) {
			tag = htag(m)
		} else {
			tag = fold(prev, m)
		}
		if !tagEqual(tag, ev.Tag) {
			return lastTag, ErrTagMismatch
		}
		prev = tag
		lastTag = tag
	}
	return lastTag, nil
}

func tagEqual(a, b [32]byte) bool { return hmac.Equal(a[:], b[:]) }

// htag computes H(tag), the aggregate of the first entry.
func htag(tag [32]byte) [32]byte {
	return sha256.Sum256(tag[:])
}

func isZero32(x [32]byte) bool {
	var acc byte
	for _, b := range x {
		acc |= b
	}
	return acc == 0
}

// fwdKey evolves a chain key: K_i = H(K_{i-1}).
func fwdKey(k *[JournalKeySize]byte) { h := sha256.Sum256(k[:]); copy(k[:], h[:]) }

func mac(key []byte, chunks ...[]byte) [32]byte {
	h := hmac.New(sha256.New, key)
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// fold computes H(prev || mac).
func fold(prev, mac [32]byte) [32]byte {
	h := sha256.New()
	_, _ = h.Write(prev[:])
	_, _ = h.Write(mac[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
