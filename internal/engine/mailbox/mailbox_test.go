package mailbox

import (
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/epilys/crymap/framework/config"
	"github.com/epilys/crymap/framework/exterrors"
	"github.com/epilys/crymap/framework/log"
	"github.com/epilys/crymap/internal/engine/changelog"
	"github.com/epilys/crymap/internal/engine/ids"
)

func newTestEngine(t *testing.T) (*Engine, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	e, err := New(fs, "user", config.Default(), log.Nop("mailbox"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, fs
}

func createMailbox(t *testing.T, fs afero.Fs, e *Engine, name string) {
	t.Helper()
	if err := fs.MkdirAll(e.mailboxDir(name), 0o750); err != nil {
		t.Fatalf("creating mailbox dir: %v", err)
	}
}

func TestSelectOnMissingMailboxIsNxMailbox(t *testing.T) {
	e, _ := newTestEngine(t)
	_, _, err := e.Select("INBOX", false)
	if err == nil {
		t.Fatal("expected an error selecting a nonexistent mailbox")
	}
	if !exterrors.Is(err, exterrors.KindNxMailbox) {
		t.Errorf("error = %v, want KindNxMailbox", err)
	}
}

func TestSelectEmptyMailbox(t *testing.T) {
	e, fs := newTestEngine(t)
	createMailbox(t, fs, e, "INBOX")

	view, resp, err := e.Select("INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if resp.Exists != 0 || resp.Recent != 0 || resp.UidNext != 1 {
		t.Errorf("resp on empty mailbox = %+v", resp)
	}
	if view.ReadOnly() {
		t.Error("plain Select should not be read-only")
	}
}

func TestExamineIsReadOnlyAndRejectsCommit(t *testing.T) {
	e, fs := newTestEngine(t)
	createMailbox(t, fs, e, "INBOX")

	view, resp, err := e.Select("INBOX", true)
	if err != nil {
		t.Fatalf("Select (examine): %v", err)
	}
	if !resp.ReadOnly || !view.ReadOnly() {
		t.Error("EXAMINE should produce a read-only view")
	}
	if _, err := view.Commit(changelog.Subscribe{}); err == nil {
		t.Error("Commit on an EXAMINEd view should fail")
	}
}

// TestSelectReflectsPriorCommits exercises the replay-equivalence
// property (spec scenario S4) through the full Select entry point:
// append, flag, expunge; a fresh Select must see the folded result.
func TestSelectReflectsPriorCommits(t *testing.T) {
	e, fs := newTestEngine(t)
	createMailbox(t, fs, e, "INBOX")

	view, _, err := e.Select("INBOX", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := view.Commit(changelog.DefineFlag{Flag: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := view.Commit(changelog.Append{Uid: 1, Flags: []string{"x"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := view.Commit(changelog.StoreFlags{Uids: []ids.Uid{1}, Add: []string{`\Seen`}}); err != nil {
		t.Fatal(err)
	}
	if _, err := view.Commit(changelog.Expunge{Uids: []ids.Uid{1}}); err != nil {
		t.Fatal(err)
	}

	_, resp, err := e.Select("INBOX", true)
	if err != nil {
		t.Fatalf("re-Select: %v", err)
	}
	if resp.Exists != 0 {
		t.Errorf("exists = %d, want 0 (uid 1 was expunged)", resp.Exists)
	}
	if resp.UidNext != 2 {
		t.Errorf("uidnext = %d, want 2", resp.UidNext)
	}
}

// TestConcurrentCommitsAcrossSessionsGetDistinctCids is spec scenario
// S5 exercised at the mailbox entry point: two independently selected
// views committing concurrently must never collide on a CID.
func TestConcurrentCommitsAcrossSessionsGetDistinctCids(t *testing.T) {
	e, fs := newTestEngine(t)
	createMailbox(t, fs, e, "INBOX")

	viewA, _, err := e.Select("INBOX", false)
	if err != nil {
		t.Fatal(err)
	}
	viewB, _, err := e.Select("INBOX", false)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	modseqs := make([]ids.Modseq, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		m, err := viewA.Commit(changelog.Append{Uid: 1})
		if err != nil {
			t.Errorf("viewA commit: %v", err)
			return
		}
		modseqs[0] = m
	}()
	go func() {
		defer wg.Done()
		m, err := viewB.Commit(changelog.Append{Uid: 2})
		if err != nil {
			t.Errorf("viewB commit: %v", err)
			return
		}
		modseqs[1] = m
	}()
	wg.Wait()

	if modseqs[0] == modseqs[1] {
		t.Errorf("two concurrent commits produced the same modseq: %v", modseqs[0])
	}

	_, resp, err := e.Select("INBOX", true)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Exists != 2 {
		t.Errorf("exists after both concurrent appends = %d, want 2", resp.Exists)
	}
}

func TestStatusDoesNotRequireAPersistentView(t *testing.T) {
	e, fs := newTestEngine(t)
	createMailbox(t, fs, e, "INBOX")

	resp, err := e.Status("INBOX")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if resp.Exists != 0 {
		t.Errorf("Status.Exists = %d, want 0", resp.Exists)
	}
}

func TestUidValidityStableAcrossSelects(t *testing.T) {
	e, fs := newTestEngine(t)
	createMailbox(t, fs, e, "INBOX")

	_, resp1, err := e.Select("INBOX", true)
	if err != nil {
		t.Fatal(err)
	}
	_, resp2, err := e.Select("INBOX", true)
	if err != nil {
		t.Fatal(err)
	}
	if resp1.UidValidity != resp2.UidValidity {
		t.Errorf("uidvalidity changed across selects: %d != %d", resp1.UidValidity, resp2.UidValidity)
	}
}
