// Package session implements the per-open-SELECT client view spec
// §4.F describes: the seqnum↔UID table, the recency frontier, the
// pending-notification queue, and the QRESYNC diff entry point. A View
// owns exactly one mailbox's changelog.Log and the materialised state
// it has replayed so far; it never shares that state with another
// View.
package session

import (
	"errors"
	"sort"
	"time"

	"github.com/epilys/crymap/framework/config"
	"github.com/epilys/crymap/framework/exterrors"
	"github.com/epilys/crymap/framework/log"
	"github.com/epilys/crymap/internal/engine/changelog"
	"github.com/epilys/crymap/internal/engine/ids"
	"github.com/epilys/crymap/internal/engine/metrics"
	"github.com/epilys/crymap/internal/engine/rollup"
	"github.com/epilys/crymap/internal/engine/state"
)

// Kind identifies the variant of a queued Notification.
type Kind int

const (
	KindExists Kind = iota
	KindExpunge
	KindFetch
)

// Notification is one queued update a poll produced (spec §4.F).
// Seqnum is only meaningful for Expunge, where it names the position
// *before* the expunge, per the IMAP descending-order delivery rule.
type Notification struct {
	Kind   Kind
	Uid    ids.Uid
	Seqnum int
	Flags  []string // resolved flag names, for Fetch only
}

// PollDelta is what one poll() call returns (spec §4.F).
type PollDelta struct {
	Notifications []Notification
	MaxModseq     ids.Modseq
}

// View is one client's observed state of a selected mailbox.
type View struct {
	mailbox   string
	log       log.Logger
	metrics   *metrics.Metrics
	changeLog *changelog.Log
	readOnly  bool

	rollupMgr *rollup.Manager
	cfg       config.Engine
	pollCost  int // suggest_rollup heuristic counter, spec §4.E "Write"

	state   state.MailboxState
	lastCid ids.Cid

	uidTable        []ids.Uid // seqnum i+1 -> uidTable[i], ascending, non-expunged only
	recencyFrontier ids.Uid
}

// New constructs a View from an already-loaded base state (typically
// produced by rollup.Manager.Load plus a tail replay, spec §4.G steps
// 1-3). baseCid is the CID the base state already reflects; Poll will
// only fetch transactions after it. rollupMgr may be nil, in which case
// Poll never suggests a rollup write.
func New(mailbox string, changeLog *changelog.Log, rollupMgr *rollup.Manager, cfg config.Engine, base state.MailboxState, baseCid ids.Cid, readOnly bool, logger log.Logger, m *metrics.Metrics) *View {
	return &View{
		mailbox:         mailbox,
		log:             logger,
		metrics:         m,
		changeLog:       changeLog,
		readOnly:        readOnly,
		rollupMgr:       rollupMgr,
		cfg:             cfg,
		state:           base,
		lastCid:         baseCid,
		uidTable:        buildUidTable(base),
		recencyFrontier: base.MaxModseq.Uid(),
	}
}

func buildUidTable(s state.MailboxState) []ids.Uid {
	table := make([]ids.Uid, 0, len(s.Messages))
	for uid, entry := range s.Messages {
		if !entry.Expunged() {
			table = append(table, uid)
		}
	}
	sort.Slice(table, func(i, j int) bool { return table[i] < table[j] })
	return table
}

func seqnumOf(table []ids.Uid, uid ids.Uid) int {
	for i, u := range table {
		if u == uid {
			return i + 1
		}
	}
	return 0
}

// State returns the view's current materialised state, for callers
// building a SELECT/STATUS response (mailbox package).
func (v *View) State() state.MailboxState { return v.state }

// ReadOnly reports whether this view was opened via EXAMINE.
func (v *View) ReadOnly() bool { return v.readOnly }

// UidTable returns the current seqnum-ordered UID table. The returned
// slice must not be mutated by the caller.
func (v *View) UidTable() []ids.Uid { return v.uidTable }

// RecentCount is the number of messages above the recency frontier,
// for the "recent" field of a SELECT response.
func (v *View) RecentCount() int {
	n := 0
	for _, uid := range v.uidTable {
		if uid > v.recencyFrontier {
			n++
		}
	}
	return n
}

// FirstUnseenSeqnum returns the sequence number of the first message
// lacking the \Seen flag, or 0 if none (spec §4.G step 5).
func (v *View) FirstUnseenSeqnum() int {
	seenID, hasSeen := flagIDOf(v.state.FlagTable, `\Seen`)
	for i, uid := range v.uidTable {
		entry := v.state.Messages[uid]
		if !hasSeen || !entry.Flags.Has(seenID) {
			return i + 1
		}
	}
	return 0
}

func flagIDOf(table []string, name string) (int, bool) {
	for i, f := range table {
		if f == name {
			return i, true
		}
	}
	return 0, false
}

// Poll replays any transactions committed since the view's last
// applied CID, folding each through the state materialiser and
// translating the resulting deltas into notifications (spec §4.F).
// Calling Poll twice with no intervening commit returns an empty
// delta (spec §8 invariant 7) — Since(lastCid) simply returns nothing
// new, so this holds without special-casing.
func (v *View) Poll() (PollDelta, error) {
	txns, err := v.changeLog.Since(v.lastCid)
	if err != nil {
		return PollDelta{}, err
	}

	// Recency is reported for exactly the one poll that first observes a
	// new message (spec §4.F): every message an earlier poll already
	// folded in drops below the frontier now, so RecentCount after this
	// poll counts only the messages this poll adds.
	if n := len(v.uidTable); n > 0 && v.uidTable[n-1] > v.recencyFrontier {
		v.recencyFrontier = v.uidTable[n-1]
	}

	if len(txns) == 0 {
		return PollDelta{}, nil
	}

	var notifications []Notification
	curState := v.state
	curTable := v.uidTable

	for _, txn := range txns {
		nextState := state.Apply(curState, txn, v.log)
		ns := notificationsFor(curTable, nextState, txn)
		notifications = append(notifications, ns...)
		curState = nextState
		curTable = buildUidTable(curState)
		v.lastCid = txn.Header.Cid
	}

	v.state = curState
	v.uidTable = curTable

	if v.metrics != nil {
		v.metrics.SetMaxModseq(v.mailbox, curState.MaxModseq.Raw())
	}

	v.suggestRollup(len(txns), curState)

	return PollDelta{Notifications: notifications, MaxModseq: curState.MaxModseq}, nil
}

// suggestRollup implements spec §4.E's "Write" operation: a per-session
// heuristic counter, incremented by the cost of this poll (the number
// of transactions just folded in), that triggers a snapshot write once
// it crosses cfg.RollupSuggestThreshold. A write with no messages ever
// appended has a zero max_modseq, which cannot be named by a rollup
// filename (ids.Of rejects a zero CID), so that case is skipped rather
// than attempted.
func (v *View) suggestRollup(cost int, curState state.MailboxState) {
	if v.rollupMgr == nil {
		return
	}
	v.pollCost += cost
	if v.pollCost < v.cfg.RollupSuggestThreshold {
		return
	}
	if curState.MaxModseq == 0 {
		return
	}
	if err := v.rollupMgr.Write(curState.MaxModseq, time.Now(), curState); err != nil {
		v.log.Error("writing suggested rollup", err)
		return
	}
	v.pollCost = 0
}

// notificationsFor builds the notifications one transaction produces,
// given the UID table as it stood immediately before the transaction
// was applied (needed for Expunge's pre-expunge seqnum rule).
func notificationsFor(preTable []ids.Uid, post state.MailboxState, txn changelog.Transaction) []Notification {
	switch m := txn.Mutation.(type) {
	case changelog.Append:
		return []Notification{{Kind: KindExists, Uid: m.Uid}}

	case changelog.StoreFlags:
		var out []Notification
		for _, uid := range m.Uids {
			entry, ok := post.Messages[uid]
			if !ok || entry.Expunged() {
				continue
			}
			out = append(out, Notification{Kind: KindFetch, Uid: uid, Flags: entry.Flags.Names(post.FlagTable)})
		}
		return out

	case changelog.Expunge:
		type pair struct {
			seq int
			uid ids.Uid
		}
		var pairs []pair
		for _, uid := range m.Uids {
			seq := seqnumOf(preTable, uid)
			if seq == 0 {
				continue // already gone, nothing to report
			}
			pairs = append(pairs, pair{seq, uid})
		}
		// Descending sequence-number order of the pre-expunge state
		// (spec §4.F).
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].seq > pairs[j].seq })
		out := make([]Notification, len(pairs))
		for i, p := range pairs {
			out[i] = Notification{Kind: KindExpunge, Uid: p.uid, Seqnum: p.seq}
		}
		return out

	default:
		return nil
	}
}

// Commit appends mutation to the changelog and immediately folds it
// into this view (spec §5 ordering guarantee: "a poll() following a
// successful commit by the same session observes that commit").
func (v *View) Commit(mutation changelog.Mutation) (ids.Modseq, error) {
	if v.readOnly {
		return 0, exterrors.New(exterrors.KindMailboxReadOnly, v.mailbox, errors.New("mutation attempted on an EXAMINEd view"))
	}
	cid, err := v.changeLog.Commit(v.lastCid, mutation)
	if err != nil {
		return 0, err
	}
	if v.metrics != nil {
		v.metrics.ObserveCommit(v.mailbox)
	}
	if _, err := v.Poll(); err != nil {
		return 0, err
	}
	// The returned modseq carries this commit's own CID, even when the
	// poll above also folded in later commits from other sessions.
	if v.state.NextUid > 1 {
		if ms, err := ids.Pack(v.state.NextUid-1, cid); err == nil {
			return ms, nil
		}
	}
	return v.state.MaxModseq, nil
}

// QResyncDiff answers spec §4.F's QRESYNC entry point: given the
// client's last known modseq, return the UIDs expunged and the UIDs
// whose flags changed since then, plus the view's current max_modseq.
//
// Per spec §9's open question, the comparison is conservative:
// clientModseq's CID component alone is used as the floor (not the
// full lexicographic (uid, cid) order), avoiding an edge case where a
// UID-only bump could cause messages to be missed.
func (v *View) QResyncDiff(clientModseq ids.Modseq) (expunged, changed []ids.Uid, highest ids.Modseq) {
	floor := clientModseq.Cid()
	for uid, entry := range v.state.Messages {
		if entry.LastModifiedCid <= floor {
			continue
		}
		if entry.Expunged() {
			expunged = append(expunged, uid)
		} else {
			changed = append(changed, uid)
		}
	}
	sort.Slice(expunged, func(i, j int) bool { return expunged[i] < expunged[j] })
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return expunged, changed, v.state.MaxModseq
}
