// Package state implements the pure materialiser: folding a sequence of
// changelog transactions into an in-memory MailboxState (spec §4.D).
// Apply performs no I/O and never returns an error — a mutation that
// references stale state (e.g. StoreFlags on an already-expunged or
// never-assigned UID) is recorded as a diagnostic and otherwise ignored,
// since transactions may legitimately outlive the UIDs they reference
// once expunge and GC have run.
package state

import (
	"strings"
	"time"

	"github.com/epilys/crymap/framework/log"
	"github.com/epilys/crymap/internal/engine/changelog"
	"github.com/epilys/crymap/internal/engine/ids"
	"github.com/epilys/crymap/internal/engine/msgstore"
)

// FlagSet is a growable bitset indexed by flag_id. It has no fixed
// upper bound on the number of distinct flags a mailbox can define.
type FlagSet []uint64

func (f *FlagSet) Set(id int) {
	word, bit := id/64, uint(id%64)
	for len(*f) <= word {
		*f = append(*f, 0)
	}
	(*f)[word] |= 1 << bit
}

func (f *FlagSet) Clear(id int) {
	word, bit := id/64, uint(id%64)
	if word >= len(*f) {
		return
	}
	(*f)[word] &^= 1 << bit
}

func (f FlagSet) Has(id int) bool {
	word, bit := id/64, uint(id%64)
	if word >= len(f) {
		return false
	}
	return f[word]&(1<<bit) != 0
}

func (f FlagSet) Clone() FlagSet {
	if f == nil {
		return nil
	}
	c := make(FlagSet, len(f))
	copy(c, f)
	return c
}

// Names resolves every set bit against table, in flag_id order.
func (f FlagSet) Names(table []string) []string {
	var names []string
	for id, name := range table {
		if f.Has(id) {
			names = append(names, name)
		}
	}
	return names
}

// MessageEntry is one UID's row in MailboxState.messages (spec §3).
type MessageEntry struct {
	Hash            msgstore.Hash
	Size            int64
	InternalDate    time.Time
	EmailID         msgstore.EmailID
	Flags           FlagSet
	LastModifiedCid ids.Cid
	// ExpungedAtCid is zero while the message is live; spec §3 requires
	// the entry to linger after expunge until GC, not disappear.
	ExpungedAtCid ids.Cid
}

func (e MessageEntry) Expunged() bool { return e.ExpungedAtCid != 0 }

// MailboxState is the value object spec §3 describes: everything a
// mailbox's materialised view needs, with no reference to how it was
// produced (rollup load vs. full replay are indistinguishable once
// constructed — invariant 3).
type MailboxState struct {
	UidValidity uint32
	NextUid     ids.Uid
	Messages    map[ids.Uid]MessageEntry
	FlagTable   []string
	MaxModseq   ids.Modseq
	Subscribed  bool
	Name        string
}

// Empty builds the initial state of a freshly created mailbox.
func Empty(uidValidity uint32, name string) MailboxState {
	return MailboxState{
		UidValidity: uidValidity,
		NextUid:     1,
		Messages:    make(map[ids.Uid]MessageEntry),
		Name:        name,
	}
}

// Clone deep-copies s so mutating the result never aliases s's maps or
// slices — Apply always builds its result from a Clone of its input,
// keeping the fold pure.
func (s MailboxState) Clone() MailboxState {
	messages := make(map[ids.Uid]MessageEntry, len(s.Messages))
	for uid, e := range s.Messages {
		e.Flags = e.Flags.Clone()
		messages[uid] = e
	}
	flagTable := make([]string, len(s.FlagTable))
	copy(flagTable, s.FlagTable)
	return MailboxState{
		UidValidity: s.UidValidity,
		NextUid:     s.NextUid,
		Messages:    messages,
		FlagTable:   flagTable,
		MaxModseq:   s.MaxModseq,
		Subscribed:  s.Subscribed,
		Name:        s.Name,
	}
}

// ReportMaxModseq is the Modseq clients are shown (spec §3
// report_max_modseq). MaxModseq is already zero until the first UID is
// ever assigned — ids.Pack rejects a zero UID component, so "no modseq
// yet" and "mailbox has never held a message" coincide exactly; no
// separate sentinel is needed.
func (s MailboxState) ReportMaxModseq() ids.Modseq {
	return s.MaxModseq
}

// highestUid returns the greatest UID ever assigned, or 0 if none.
// UIDs are allocated by bumping NextUid at Append time (spec §4.C), so
// the highest assigned UID is always NextUid-1.
func (s MailboxState) highestUid() ids.Uid {
	if s.NextUid <= 1 {
		return 0
	}
	return s.NextUid - 1
}

func (s *MailboxState) flagID(name string) (int, bool) {
	for i, f := range s.FlagTable {
		if strings.EqualFold(f, name) {
			return i, true
		}
	}
	return 0, false
}

// internFlag returns name's stable flag_id, assigning the next one if
// name is new (spec invariant 2: flag_id assignments are append-only).
func (s *MailboxState) internFlag(name string) int {
	if id, ok := s.flagID(name); ok {
		return id
	}
	s.FlagTable = append(s.FlagTable, name)
	return len(s.FlagTable) - 1
}

// Apply folds one transaction onto prev, returning the resulting
// state. prev itself is never mutated.
func Apply(prev MailboxState, txn changelog.Transaction, logger log.Logger) MailboxState {
	next := prev.Clone()
	cid := txn.Header.Cid

	switch m := txn.Mutation.(type) {
	case changelog.DefineFlag:
		next.internFlag(m.Flag)

	case changelog.Append:
		entry := MessageEntry{
			Hash:            m.Hash,
			Size:            m.Size,
			InternalDate:    m.InternalDate,
			EmailID:         m.EmailID,
			LastModifiedCid: cid,
		}
		for _, fl := range m.Flags {
			entry.Flags.Set(next.internFlag(fl))
		}
		next.Messages[m.Uid] = entry
		if m.Uid >= next.NextUid {
			next.NextUid = m.Uid + 1
		}

	case changelog.StoreFlags:
		for _, uid := range m.Uids {
			entry, ok := next.Messages[uid]
			if !ok {
				logger.Debugf("StoreFlags: unknown uid %d at cid %d, ignoring", uid, cid)
				continue
			}
			if entry.Expunged() {
				logger.Debugf("StoreFlags: expunged uid %d at cid %d, ignoring", uid, cid)
				continue
			}
			for _, fl := range m.Add {
				entry.Flags.Set(next.internFlag(fl))
			}
			for _, fl := range m.Remove {
				if id, ok := next.flagID(fl); ok {
					entry.Flags.Clear(id)
				}
			}
			entry.LastModifiedCid = cid
			next.Messages[uid] = entry
		}

	case changelog.Expunge:
		for _, uid := range m.Uids {
			entry, ok := next.Messages[uid]
			if !ok {
				logger.Debugf("Expunge: unknown uid %d at cid %d, ignoring", uid, cid)
				continue
			}
			entry.ExpungedAtCid = cid
			entry.LastModifiedCid = cid
			next.Messages[uid] = entry
		}

	case changelog.Rename:
		next.Name = m.NewName

	case changelog.Subscribe:
		next.Subscribed = true

	case changelog.Unsubscribe:
		next.Subscribed = false

	default:
		logger.Debugf("Apply: unknown mutation kind at cid %d, ignoring", cid)
		return next
	}

	if hu := next.highestUid(); hu != 0 {
		if ms, err := ids.Pack(hu, cid); err == nil {
			next.MaxModseq = ms
		}
	}
	return next
}

// ApplyAll folds every transaction in txns onto state, in order.
func ApplyAll(state MailboxState, txns []changelog.Transaction, logger log.Logger) MailboxState {
	for _, txn := range txns {
		state = Apply(state, txn, logger)
	}
	return state
}
