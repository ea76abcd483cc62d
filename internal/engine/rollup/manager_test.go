package rollup

import (
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/epilys/crymap/framework/config"
	"github.com/epilys/crymap/framework/log"
	"github.com/epilys/crymap/internal/engine/changelog"
	"github.com/epilys/crymap/internal/engine/ids"
	"github.com/epilys/crymap/internal/engine/msgstore"
	"github.com/epilys/crymap/internal/engine/state"
)

func newTestManager(t *testing.T) (*Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	mgr, err := New(fs, "mail/INBOX/rollup", "tmp", "INBOX", log.Nop("rollup"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mgr, fs
}

func TestWriteLoadRoundtrip(t *testing.T) {
	mgr, _ := newTestManager(t)

	s := state.Empty(1, "INBOX")
	s.FlagTable = []string{"x"}
	s.NextUid = 2
	modseq := ids.MustPack(1, 5)

	if err := mgr.Write(modseq, time.Now(), s); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, cid, ok := mgr.Load()
	if !ok {
		t.Fatal("Load reported no rollup after Write")
	}
	if cid != 5 {
		t.Errorf("loaded cid = %d, want 5", cid)
	}
	if got.NextUid != 2 || len(got.FlagTable) != 1 || got.FlagTable[0] != "x" {
		t.Errorf("loaded state mismatch: %+v", got)
	}
}

func TestLoadPicksGreatestModseq(t *testing.T) {
	mgr, _ := newTestManager(t)

	low := ids.MustPack(1, 3)
	high := ids.MustPack(2, 9)
	if err := mgr.Write(low, time.Now(), state.Empty(1, "INBOX")); err != nil {
		t.Fatal(err)
	}
	s := state.Empty(1, "INBOX")
	s.NextUid = 99
	if err := mgr.Write(high, time.Now(), s); err != nil {
		t.Fatal(err)
	}

	got, cid, ok := mgr.Load()
	if !ok {
		t.Fatal("Load reported no rollup")
	}
	if cid != 9 || got.NextUid != 99 {
		t.Errorf("Load did not pick the greatest-Modseq rollup: cid=%d state=%+v", cid, got)
	}
}

func TestLoadWithNoRollupsIsNotAnError(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, _, ok := mgr.Load()
	if ok {
		t.Error("Load on an empty rollup dir should report ok=false")
	}
}

func TestLoadOnCorruptRollupFallsBackToNoRollup(t *testing.T) {
	mgr, fs := newTestManager(t)
	modseq := ids.MustPack(1, 1)
	if err := mgr.Write(modseq, time.Now(), state.Empty(1, "INBOX")); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, mgr.path(modseq), []byte("garbage, not a gob stream"), 0o640); err != nil {
		t.Fatal(err)
	}

	// mgr cached the snapshot when it wrote it; a fresh Manager has
	// nothing cached and must read the corrupt file from disk.
	fresh, err := New(fs, "mail/INBOX/rollup", "tmp", "INBOX", log.Nop("rollup"), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, _, ok := fresh.Load()
	if ok {
		t.Error("Load on a corrupt rollup must be treated as no-rollup, not an error")
	}
}

func TestRunGCDeletesRollupsOnlyAfterTransactionGCSucceeds(t *testing.T) {
	fs := afero.NewMemMapFs()
	mgr, err := New(fs, "mail/INBOX/rollup", "tmp", "INBOX", log.Nop("rollup"), nil)
	if err != nil {
		t.Fatal(err)
	}
	msgStore, err := msgstore.New(fs, "shared/messages", "tmp", "garbage", log.Nop("msgstore"))
	if err != nil {
		t.Fatal(err)
	}
	changeLog, err := changelog.New(fs, "mail/INBOX/change", "tmp", log.Nop("changelog"))
	if err != nil {
		t.Fatal(err)
	}

	oldModseq := ids.MustPack(1, 1)
	latestModseq := ids.MustPack(2, 5)
	if err := mgr.Write(oldModseq, time.Now().Add(-48*time.Hour), state.Empty(1, "INBOX")); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Write(latestModseq, time.Now(), state.Empty(1, "INBOX")); err != nil {
		t.Fatal(err)
	}
	if _, err := changeLog.Commit(0, changelog.Subscribe{}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Engine{OldRollupGracePeriod: 24 * time.Hour, ExcessRollupGracePeriod: time.Minute, ExcessRollupThreshold: 4}
	infos, err := mgr.List()
	if err != nil {
		t.Fatal(err)
	}
	classifications := Classify(infos, time.Now(), cfg)

	if err := mgr.RunGC(classifications, map[msgstore.Hash]struct{}{}, msgStore, changeLog); err != nil {
		t.Fatalf("RunGC: %v", err)
	}

	remaining, err := mgr.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Cid != 5 {
		t.Errorf("after RunGC, remaining rollups = %+v, want only cid 5", remaining)
	}

	txns, err := changeLog.Since(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 0 {
		t.Errorf("transactions up to the expunge floor should have been GC'd, got %d remaining", len(txns))
	}
}
