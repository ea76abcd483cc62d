// Package ids implements the engine's identifier algebra: Uid, Cid, and
// the packed Modseq composite (spec §3, §4.A). These are pure value
// types with total orderings; nothing here performs I/O.
package ids

import (
	"errors"
	"fmt"
)

// Uid is a strictly positive, per-mailbox-monotonic message identifier.
// It is never reused.
type Uid uint32

// UidMax is reserved as the sentinel "next UID if empty".
const UidMax Uid = 1<<32 - 1

// Cid is a strictly positive, per-mailbox-monotonic change identifier.
// It names transaction files directly and rollup files via Modseq.
type Cid uint32

// Modseq is a 63-bit composite of (uid_component, cid_component),
// ordered lexicographically so it satisfies RFC 7162's monotonic
// modification-sequence requirement. The lower 31 bits (0-30) carry the
// CID component and the 32 bits above them (31-62) carry the UID
// component, leaving bit 63 always zero so the value fits in IMAP's
// 63-bit MOD-SEQUENCE-VALUE.
type Modseq uint64

const cidBits = 31
const cidMask = (uint64(1) << cidBits) - 1

var (
	// ErrZeroModseq is returned by Of when given zero.
	ErrZeroModseq = errors.New("ids: modseq must be nonzero")
	// ErrZeroComponent is returned by Pack when either half is zero.
	ErrZeroComponent = errors.New("ids: modseq components must be nonzero")
)

// Pack builds a Modseq from its UID and CID components. Both must be
// nonzero: a change always has a committer CID and a max-UID-at-commit
// snapshot, and UID 0 / CID 0 are not valid identifiers per spec §3.
func Pack(uid Uid, cid Cid) (Modseq, error) {
	if uid == 0 || cid == 0 {
		return 0, ErrZeroComponent
	}
	return Modseq(uint64(uid)<<cidBits | (uint64(cid) & cidMask)), nil
}

// MustPack panics instead of returning an error. For use with
// compile-time-known-valid components (tests, constant construction).
func MustPack(uid Uid, cid Cid) Modseq {
	m, err := Pack(uid, cid)
	if err != nil {
		panic(err)
	}
	return m
}

// Of validates a raw wire/filename value as a Modseq: it must be
// nonzero and both of its packed halves must be nonzero.
func Of(raw uint64) (Modseq, error) {
	if raw == 0 {
		return 0, ErrZeroModseq
	}
	m := Modseq(raw)
	if m.Uid() == 0 || m.Cid() == 0 {
		return 0, ErrZeroComponent
	}
	return m, nil
}

// Uid returns the UID component.
func (m Modseq) Uid() Uid {
	return Uid(uint64(m) >> cidBits)
}

// Cid returns the CID component.
func (m Modseq) Cid() Cid {
	return Cid(uint64(m) & cidMask)
}

// Raw returns the bare uint64 encoding, stable across process and
// filesystem boundaries (it is filename-embedded for rollups and
// appears on the wire via CONDSTORE).
func (m Modseq) Raw() uint64 {
	return uint64(m)
}

// Less reports whether m sorts strictly before other under the total
// lexicographic (uid, cid) order spec.md requires.
func (m Modseq) Less(other Modseq) bool {
	return m < other
}

func (m Modseq) String() string {
	return fmt.Sprintf("%d", uint64(m))
}
