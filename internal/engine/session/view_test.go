package session

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/epilys/crymap/framework/config"
	"github.com/epilys/crymap/framework/log"
	"github.com/epilys/crymap/internal/engine/changelog"
	"github.com/epilys/crymap/internal/engine/ids"
	"github.com/epilys/crymap/internal/engine/rollup"
	"github.com/epilys/crymap/internal/engine/state"
)

func newTestView(t *testing.T) (*View, *changelog.Log) {
	t.Helper()
	fs := afero.NewMemMapFs()
	cl, err := changelog.New(fs, "mail/INBOX/change", "tmp", log.Nop("changelog"))
	if err != nil {
		t.Fatalf("changelog.New: %v", err)
	}
	v := New("INBOX", cl, nil, config.Default(), state.Empty(1, "INBOX"), 0, false, log.Nop("session"), nil)
	return v, cl
}

func TestPollIdempotentWithNoIntervalCommit(t *testing.T) {
	v, cl := newTestView(t)
	if _, err := cl.Commit(0, changelog.Append{Uid: 1, Flags: []string{`\Seen`}}); err != nil {
		t.Fatal(err)
	}

	first, err := v.Poll()
	if err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	if len(first.Notifications) == 0 {
		t.Fatal("first Poll should have observed the Append")
	}

	second, err := v.Poll()
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if len(second.Notifications) != 0 {
		t.Errorf("second Poll with no intervening commit returned %d notifications, want 0", len(second.Notifications))
	}
}

func TestCommitObservedBySameSession(t *testing.T) {
	v, _ := newTestView(t)
	modseq, err := v.Commit(changelog.Append{Uid: 1, Flags: nil})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if modseq == 0 {
		t.Error("Commit should report a nonzero modseq")
	}
	if _, ok := v.State().Messages[1]; !ok {
		t.Error("own commit should be visible in the view's state immediately")
	}
}

func TestCommitRejectedOnReadOnlyView(t *testing.T) {
	fs := afero.NewMemMapFs()
	cl, err := changelog.New(fs, "mail/INBOX/change", "tmp", log.Nop("changelog"))
	if err != nil {
		t.Fatal(err)
	}
	v := New("INBOX", cl, nil, config.Default(), state.Empty(1, "INBOX"), 0, true, log.Nop("session"), nil)
	if _, err := v.Commit(changelog.Subscribe{}); err == nil {
		t.Error("Commit on an EXAMINEd (read-only) view should fail")
	}
}

func TestExpungeNotificationsDescendingBySeqnum(t *testing.T) {
	v, cl := newTestView(t)
	for uid := ids.Uid(1); uid <= 3; uid++ {
		if _, err := cl.Commit(0, changelog.Append{Uid: uid}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := v.Poll(); err != nil {
		t.Fatal(err)
	}

	if _, err := cl.Commit(0, changelog.Expunge{Uids: []ids.Uid{1, 3}}); err != nil {
		t.Fatal(err)
	}
	delta, err := v.Poll()
	if err != nil {
		t.Fatal(err)
	}

	var seqnums []int
	for _, n := range delta.Notifications {
		if n.Kind == KindExpunge {
			seqnums = append(seqnums, n.Seqnum)
		}
	}
	if len(seqnums) != 2 || seqnums[0] < seqnums[1] {
		t.Errorf("expunge notifications not in descending seqnum order: %v", seqnums)
	}
}

// TestQResyncDiff is spec scenario S6.
func TestQResyncDiff(t *testing.T) {
	v, cl := newTestView(t)

	for _, uid := range []ids.Uid{3, 5, 7} {
		if _, err := cl.Commit(0, changelog.Append{Uid: uid}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := v.Poll(); err != nil {
		t.Fatal(err)
	}
	clientModseq := v.State().MaxModseq // client's last known modseq, M

	if _, err := cl.Commit(0, changelog.Expunge{Uids: []ids.Uid{3}}); err != nil { // c1
		t.Fatal(err)
	}
	if _, err := cl.Commit(0, changelog.Expunge{Uids: []ids.Uid{5}}); err != nil { // c2
		t.Fatal(err)
	}
	if _, err := cl.Commit(0, changelog.StoreFlags{Uids: []ids.Uid{7}, Add: []string{`\Flagged`}}); err != nil { // c3
		t.Fatal(err)
	}
	if _, err := v.Poll(); err != nil {
		t.Fatal(err)
	}

	expunged, changed, highest := v.QResyncDiff(clientModseq)
	if len(expunged) != 2 || expunged[0] != 3 || expunged[1] != 5 {
		t.Errorf("expunged = %v, want [3 5]", expunged)
	}
	if len(changed) != 1 || changed[0] != 7 {
		t.Errorf("changed = %v, want [7]", changed)
	}
	if highest != v.State().MaxModseq {
		t.Errorf("highest = %v, want current max_modseq %v", highest, v.State().MaxModseq)
	}
}

func TestFirstUnseenSeqnum(t *testing.T) {
	v, cl := newTestView(t)
	if _, err := cl.Commit(0, changelog.Append{Uid: 1, Flags: []string{`\Seen`}}); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.Commit(0, changelog.Append{Uid: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Poll(); err != nil {
		t.Fatal(err)
	}
	if got := v.FirstUnseenSeqnum(); got != 2 {
		t.Errorf("FirstUnseenSeqnum = %d, want 2", got)
	}
}

// TestSuggestRollupWritesSnapshotOnceThresholdCrossed exercises spec
// §4.E's "Write" operation: once the per-session poll-cost counter
// crosses cfg.RollupSuggestThreshold, Poll must write a rollup through
// the supplied Manager without being asked to explicitly.
func TestSuggestRollupWritesSnapshotOnceThresholdCrossed(t *testing.T) {
	fs := afero.NewMemMapFs()
	cl, err := changelog.New(fs, "mail/INBOX/change", "tmp", log.Nop("changelog"))
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := rollup.New(fs, "mail/INBOX/rollup", "tmp", "INBOX", log.Nop("rollup"), nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.RollupSuggestThreshold = 2
	v := New("INBOX", cl, mgr, cfg, state.Empty(1, "INBOX"), 0, false, log.Nop("session"), nil)

	for uid := ids.Uid(1); uid <= 3; uid++ {
		if _, err := v.Commit(changelog.Append{Uid: uid}); err != nil {
			t.Fatal(err)
		}
	}

	if _, _, ok := mgr.Load(); !ok {
		t.Fatal("expected a rollup to have been written once the poll-cost threshold was crossed")
	}
}

func TestRecentCountedOnceThenNotAgainWithinSameSession(t *testing.T) {
	v, cl := newTestView(t)
	if _, err := cl.Commit(0, changelog.Append{Uid: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Poll(); err != nil {
		t.Fatal(err)
	}
	if got := v.RecentCount(); got != 1 {
		t.Fatalf("RecentCount after first poll = %d, want 1", got)
	}

	if _, err := cl.Commit(0, changelog.StoreFlags{Uids: []ids.Uid{1}, Add: []string{`\Seen`}}); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Poll(); err != nil {
		t.Fatal(err)
	}
	if got := v.RecentCount(); got != 0 {
		t.Errorf("RecentCount after frontier advanced = %d, want 0", got)
	}
}
