// Package mailbox implements the SELECT/EXAMINE/STATUS entry point of
// spec §4.G: it composes the message store (B), change log (C), state
// materialiser (D), rollup manager (E), and session view (F) into the
// one call an external command dispatcher actually makes.
package mailbox

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/epilys/crymap/framework/config"
	"github.com/epilys/crymap/framework/exterrors"
	"github.com/epilys/crymap/framework/log"
	"github.com/epilys/crymap/internal/engine/changelog"
	"github.com/epilys/crymap/internal/engine/ids"
	"github.com/epilys/crymap/internal/engine/metrics"
	"github.com/epilys/crymap/internal/engine/msgstore"
	"github.com/epilys/crymap/internal/engine/rollup"
	"github.com/epilys/crymap/internal/engine/session"
	"github.com/epilys/crymap/internal/engine/state"
)

// SelectResponse is the data spec §4.G step 5 names: everything a
// SELECT/EXAMINE/STATUS response needs.
type SelectResponse struct {
	Flags       []string
	Exists      int
	Recent      int
	FirstUnseen int // 0 means none
	UidNext     ids.Uid
	UidValidity uint32
	ReadOnly    bool
	MaxModseq   ids.Modseq
}

// Engine is the per-user entry point: it owns the shared message store
// and hands out session.Views for individual mailboxes.
type Engine struct {
	fs       afero.Fs
	userRoot string
	cfg      config.Engine
	log      log.Logger
	metrics  *metrics.Metrics
	msgStore *msgstore.Store

	// loadGroup collapses concurrent SELECTs of the same mailbox onto
	// one rollup disk read (promoted teacher dependency, see
	// DESIGN.md).
	loadGroup singleflight.Group
}

// New builds an Engine rooted at userRoot, matching the on-disk layout
// of spec §6: mail/<mailbox>/{rollup,change}, shared/messages, tmp,
// garbage.
func New(fs afero.Fs, userRoot string, cfg config.Engine, logger log.Logger, m *metrics.Metrics) (*Engine, error) {
	msgStore, err := msgstore.New(
		fs,
		filepath.Join(userRoot, "shared", "messages"),
		filepath.Join(userRoot, "tmp"),
		filepath.Join(userRoot, "garbage"),
		logger,
	)
	if err != nil {
		return nil, err
	}
	return &Engine{fs: fs, userRoot: userRoot, cfg: cfg, log: logger, metrics: m, msgStore: msgStore}, nil
}

func (e *Engine) tmpDir() string { return filepath.Join(e.userRoot, "tmp") }

func (e *Engine) mailboxDir(name string) string { return filepath.Join(e.userRoot, "mail", name) }

func (e *Engine) rollupDir(name string) string { return filepath.Join(e.mailboxDir(name), "rollup") }

func (e *Engine) changeDir(name string) string { return filepath.Join(e.mailboxDir(name), "change") }

// loadedRollup is the singleflight payload: a decoded base state plus
// the Manager that produced it (the Manager is cheap and stateless
// beyond its decode cache, so handing it back out is fine).
type loadedRollup struct {
	mgr   *rollup.Manager
	base  state.MailboxState
	cid   ids.Cid
	found bool
}

// Select opens mailbox for a new client view (spec §4.G). examine
// marks the resulting view read-only (EXAMINE rather than SELECT).
func (e *Engine) Select(mailbox string, examine bool) (*session.View, SelectResponse, error) {
	return e.open(mailbox, examine, true)
}

// Status computes the same response fields as Select without
// constructing a persistent session view or spawning background GC —
// there is no session to observe commits through.
func (e *Engine) Status(mailbox string) (SelectResponse, error) {
	_, resp, err := e.open(mailbox, true, false)
	return resp, err
}

func (e *Engine) open(mailbox string, readOnly, spawnGC bool) (*session.View, SelectResponse, error) {
	start := time.Now()

	dir := e.mailboxDir(mailbox)
	if _, err := e.fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, SelectResponse{}, exterrors.New(exterrors.KindNxMailbox, mailbox, err)
		}
		return nil, SelectResponse{}, exterrors.New(exterrors.KindIoFatal, mailbox, err)
	}

	uidValidity, err := e.uidValidity(dir)
	if err != nil {
		return nil, SelectResponse{}, exterrors.New(exterrors.KindIoFatal, mailbox, err)
	}

	loadedIface, err, _ := e.loadGroup.Do(mailbox, func() (interface{}, error) {
		mgr, err := rollup.New(e.fs, e.rollupDir(mailbox), e.tmpDir(), mailbox, e.log, e.metrics)
		if err != nil {
			return nil, err
		}
		base, cid, found := mgr.Load()
		return loadedRollup{mgr: mgr, base: base, cid: cid, found: found}, nil
	})
	if err != nil {
		return nil, SelectResponse{}, exterrors.New(exterrors.KindIoFatal, mailbox, err)
	}
	loaded := loadedIface.(loadedRollup)

	base := loaded.base
	baseCid := loaded.cid
	if !loaded.found {
		base = state.Empty(uidValidity, mailbox)
		baseCid = 0
	}

	changeLog, err := changelog.New(e.fs, e.changeDir(mailbox), e.tmpDir(), e.log)
	if err != nil {
		return nil, SelectResponse{}, exterrors.New(exterrors.KindIoFatal, mailbox, err)
	}

	view := session.New(mailbox, changeLog, loaded.mgr, e.cfg, base, baseCid, readOnly, e.log, e.metrics)
	if _, err := view.Poll(); err != nil {
		return nil, SelectResponse{}, err
	}

	if spawnGC && !readOnly {
		// Detached: owns its own handles, holds no reference into view
		// or this call's stack (spec §9 "Background task spawn"). It
		// recomputes the referenced-hash set itself once it actually
		// runs, rather than reusing state captured here, since an
		// unbounded scheduling delay can separate this point from the
		// goroutine's GC sweep.
		go e.backgroundGC(mailbox)
	}

	resp := buildSelectResponse(view)
	if e.metrics != nil {
		e.metrics.ObserveSelect(time.Since(start).Seconds())
	}
	return view, resp, nil
}

func buildSelectResponse(v *session.View) SelectResponse {
	st := v.State()
	flags := make([]string, len(st.FlagTable))
	copy(flags, st.FlagTable)
	return SelectResponse{
		Flags:       flags,
		Exists:      len(v.UidTable()),
		Recent:      v.RecentCount(),
		FirstUnseen: v.FirstUnseenSeqnum(),
		UidNext:     st.NextUid,
		UidValidity: st.UidValidity,
		ReadOnly:    v.ReadOnly(),
		MaxModseq:   st.ReportMaxModseq(),
	}
}

// backgroundGC runs the post-select GC pass (spec §4.G step 4):
// classify rollups, then drive message-store and transaction-log GC.
// The referenced-hash set is recomputed from a fresh rollup load plus a
// fresh tail replay at the moment this goroutine actually runs, not
// from state captured when it was spawned: msgstore.Store.GC's second
// phase unconditionally unlinks whatever the first phase staged on the
// *prior* pass, so a referenced set that went stale between spawn and
// execution would permanently destroy content some other session
// committed in between. Errors are logged inside RunGC and never
// surfaced; this goroutine holds nothing from the originating session.
func (e *Engine) backgroundGC(mailbox string) {
	mgr, err := rollup.New(e.fs, e.rollupDir(mailbox), e.tmpDir(), mailbox, e.log, e.metrics)
	if err != nil {
		e.log.Error("background gc: opening rollup manager", err)
		return
	}
	infos, err := mgr.List()
	if err != nil {
		e.log.Error("background gc: listing rollups", err)
		return
	}
	classifications := rollup.Classify(infos, time.Now(), e.cfg)

	changeLog, err := changelog.New(e.fs, e.changeDir(mailbox), e.tmpDir(), e.log)
	if err != nil {
		e.log.Error("background gc: opening changelog", err)
		return
	}

	current, err := e.currentState(mailbox, mgr, changeLog)
	if err != nil {
		e.log.Error("background gc: computing referenced set", err)
		return
	}
	referenced := make(map[msgstore.Hash]struct{}, len(current.Messages))
	for _, entry := range current.Messages {
		referenced[entry.Hash] = struct{}{}
	}

	_ = mgr.RunGC(classifications, referenced, e.msgStore, changeLog)
}

// currentState replays mailbox's base rollup plus every transaction
// committed after it, as of right now. backgroundGC uses this to
// compute its referenced-hash set at GC-execution time rather than at
// session-open time.
func (e *Engine) currentState(mailbox string, mgr *rollup.Manager, changeLog *changelog.Log) (state.MailboxState, error) {
	base, cid, found := mgr.Load()
	if !found {
		base = state.Empty(0, mailbox)
		cid = 0
	}
	txns, err := changeLog.Since(cid)
	if err != nil {
		return state.MailboxState{}, err
	}
	return state.ApplyAll(base, txns, e.log), nil
}

// uidValidity reads the mailbox's persisted uid_validity, minting one
// on first select (spec §3: "32-bit constant for the life of the
// mailbox"). Mailbox creation itself is out of this engine's scope
// (§1); this lazily establishes the constant the first time the engine
// is asked to open a directory that already exists but has never been
// selected before.
func (e *Engine) uidValidity(mailboxDir string) (uint32, error) {
	path := filepath.Join(mailboxDir, "uidvalidity")
	if raw, err := afero.ReadFile(e.fs, path); err == nil {
		if n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32); err == nil {
			return uint32(n), nil
		}
	}
	uv := uint32(time.Now().Unix())
	if err := afero.WriteFile(e.fs, path, []byte(strconv.FormatUint(uint64(uv), 10)), 0o640); err != nil {
		return 0, err
	}
	return uv, nil
}
