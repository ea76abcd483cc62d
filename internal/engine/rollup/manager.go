// Package rollup implements the snapshot manager of spec §4.E: writing
// and loading serialised MailboxState snapshots, classifying which
// ones have aged out, and driving message-store and transaction-log GC
// from that classification.
package rollup

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/afero"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/epilys/crymap/framework/log"
	"github.com/epilys/crymap/internal/engine/changelog"
	"github.com/epilys/crymap/internal/engine/ids"
	"github.com/epilys/crymap/internal/engine/metrics"
	"github.com/epilys/crymap/internal/engine/msgstore"
	"github.com/epilys/crymap/internal/engine/state"
)

// Manager owns one mailbox's rollup directory.
type Manager struct {
	fs      afero.Fs
	dir     string // mail/<mailbox>/rollup
	tmpDir  string
	mailbox string // label for metrics/logging
	log     log.Logger
	metrics *metrics.Metrics

	// cache avoids re-deserialising the same rollup for back-to-back
	// SELECTs on a hot mailbox (promoted teacher dependency, see
	// DESIGN.md).
	cache *lru.Cache[ids.Modseq, state.MailboxState]
}

// New builds a Manager rooted at dir, creating it if absent.
func New(fs afero.Fs, dir, tmpDir, mailbox string, logger log.Logger, m *metrics.Metrics) (*Manager, error) {
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("rollup: creating %s: %w", dir, err)
	}
	if err := fs.MkdirAll(tmpDir, 0o750); err != nil {
		return nil, fmt.Errorf("rollup: creating %s: %w", tmpDir, err)
	}
	cache, err := lru.New[ids.Modseq, state.MailboxState](8)
	if err != nil {
		return nil, fmt.Errorf("rollup: building snapshot cache: %w", err)
	}
	return &Manager{fs: fs, dir: dir, tmpDir: tmpDir, mailbox: mailbox, log: logger, metrics: m, cache: cache}, nil
}

func (m *Manager) path(modseq ids.Modseq) string {
	return m.dir + "/" + strconv.FormatUint(modseq.Raw(), 10)
}

// List returns every rollup currently on disk, unordered, tolerating
// non-numeric or otherwise malformed names by skipping them.
func (m *Manager) List() ([]Info, error) {
	entries, err := afero.ReadDir(m.fs, m.dir)
	if err != nil {
		return nil, fmt.Errorf("rollup: listing %s: %w", m.dir, err)
	}
	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			m.log.Debugf("ignoring non-numeric rollup file %q", entry.Name())
			continue
		}
		modseq, err := ids.Of(raw)
		if err != nil {
			m.log.Debugf("ignoring invalid rollup modseq %q: %v", entry.Name(), err)
			continue
		}
		infos = append(infos, Info{Modseq: modseq, Cid: modseq.Cid(), CommittedAt: entry.ModTime()})
	}
	if m.metrics != nil {
		m.metrics.SetRollupCount(m.mailbox, len(infos))
	}
	return infos, nil
}

// Write serialises s as the rollup taken at modseq, staging in tmpDir
// and renaming atomically into place (spec §4.E "Write").
func (m *Manager) Write(modseq ids.Modseq, committedAt time.Time, s state.MailboxState) error {
	body, err := Encode(modseq, committedAt, s)
	if err != nil {
		return fmt.Errorf("rollup: %w", err)
	}

	tmpFile, err := afero.TempFile(m.fs, m.tmpDir, "rollup-*")
	if err != nil {
		return fmt.Errorf("rollup: staging temp file: %w", err)
	}
	tmpName := tmpFile.Name()
	if _, err := tmpFile.Write(body); err != nil {
		_ = tmpFile.Close()
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("rollup: writing temp file: %w", err)
	}
	if syncer, ok := tmpFile.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			_ = tmpFile.Close()
			_ = m.fs.Remove(tmpName)
			return fmt.Errorf("rollup: fsync temp file: %w", err)
		}
	}
	if err := tmpFile.Close(); err != nil {
		_ = m.fs.Remove(tmpName)
		return fmt.Errorf("rollup: closing temp file: %w", err)
	}
	if err := m.fs.Rename(tmpName, m.path(modseq)); err != nil {
		return fmt.Errorf("rollup: committing snapshot: %w", err)
	}
	// List derives each rollup's age from the file's modification time,
	// so stamp it with committedAt.
	if err := m.fs.Chtimes(m.path(modseq), committedAt, committedAt); err != nil {
		m.log.Error(fmt.Sprintf("setting mtime of rollup modseq=%d", modseq), err)
	}

	m.cache.Add(modseq, s)
	return nil
}

// Load picks the rollup with the greatest Modseq and decodes it (spec
// §4.G step 2). ok is false whenever there is no rollup to use, either
// because none exist or because the greatest one failed to read or
// decode — either failure is logged here and treated as "no rollup",
// never propagated, so the caller falls back to empty state + full
// replay. A rollup this Manager has itself written or already decoded
// is served from its cache without reading the file again.
func (m *Manager) Load() (s state.MailboxState, cid ids.Cid, ok bool) {
	infos, err := m.List()
	if err != nil {
		m.log.Error("listing rollups for load", err)
		return state.MailboxState{}, 0, false
	}
	if len(infos) == 0 {
		return state.MailboxState{}, 0, false
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Modseq > infos[j].Modseq })
	greatest := infos[0]

	if cached, hit := m.cache.Get(greatest.Modseq); hit {
		return cached, greatest.Cid, true
	}

	raw, err := afero.ReadFile(m.fs, m.path(greatest.Modseq))
	if err != nil {
		m.log.Error(fmt.Sprintf("reading rollup modseq=%d", greatest.Modseq), err)
		return state.MailboxState{}, 0, false
	}
	modseq, decoded, err := Decode(raw)
	if err != nil {
		m.log.Error(fmt.Sprintf("decoding rollup modseq=%d", greatest.Modseq), err)
		return state.MailboxState{}, 0, false
	}
	m.cache.Add(modseq, decoded)
	return decoded, modseq.Cid(), true
}

// RunGC drives the background pass spec §4.E "Drive GC" and §4.G step
// 4 describe: message-store GC and transaction-log GC run
// concurrently against the floor computed from classifications, and
// only once transaction GC has succeeded are rollups marked
// delete_rollup actually removed (spec §9 open question: keep a
// redundant snapshot over losing history on a failed delete).
func (m *Manager) RunGC(classifications []Classification, referenced map[msgstore.Hash]struct{}, msgStore *msgstore.Store, changeLog *changelog.Log) error {
	floor := ExpungeBeforeCid(classifications)

	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		_, err := msgStore.GC(referenced)
		if m.metrics != nil {
			m.metrics.ObserveGC(m.mailbox, "message", time.Since(start).Seconds())
		}
		return err
	})
	g.Go(func() error {
		start := time.Now()
		err := changeLog.DeleteUpTo(floor)
		if m.metrics != nil {
			m.metrics.ObserveGC(m.mailbox, "transaction", time.Since(start).Seconds())
		}
		return err
	})
	if err := g.Wait(); err != nil {
		m.log.Error("background GC pass failed", err)
		return err
	}

	for _, c := range classifications {
		if !c.DeleteRollup {
			continue
		}
		if err := m.deleteByCid(c.Cid); err != nil {
			m.log.Error(fmt.Sprintf("failed to delete rollup cid=%d, retrying next select", c.Cid), err)
		}
	}
	return nil
}

func (m *Manager) deleteByCid(cid ids.Cid) error {
	infos, err := m.List()
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Cid != cid {
			continue
		}
		if err := m.fs.Remove(m.path(info.Modseq)); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		m.cache.Remove(info.Modseq)
	}
	return nil
}
