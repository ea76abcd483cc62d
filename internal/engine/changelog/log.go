// Package changelog implements the per-mailbox append-only transaction
// stream (spec §4.C): CID allocation via create-exclusive-and-retry,
// atomic commit via temp-write-fsync-rename, and ordered replay with
// strict abort-on-corruption.
package changelog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/epilys/crymap/framework/exterrors"
	"github.com/epilys/crymap/framework/log"
	"github.com/epilys/crymap/internal/engine/ids"
)

// Log is the transaction stream for one mailbox, rooted at
// mail/<mailbox>/change/.
type Log struct {
	fs     afero.Fs
	dir    string // mail/<mailbox>/change
	tmpDir string // shared tmp/ staging area
	log    log.Logger
}

// New opens (creating if absent) the change log directory for one
// mailbox.
func New(fs afero.Fs, dir, tmpDir string, logger log.Logger) (*Log, error) {
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("changelog: creating %s: %w", dir, err)
	}
	if err := fs.MkdirAll(tmpDir, 0o750); err != nil {
		return nil, fmt.Errorf("changelog: creating %s: %w", tmpDir, err)
	}
	return &Log{fs: fs, dir: dir, tmpDir: tmpDir, log: logger}, nil
}

// listCids returns every numerically-named entry in the change
// directory, ascending, along with its size (a zero size marks a
// reserved-but-not-yet-committed placeholder, spec §4.C step 2).
type cidEntry struct {
	cid  ids.Cid
	size int64
}

func (l *Log) listCids() ([]cidEntry, error) {
	infos, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return nil, err
	}
	entries := make([]cidEntry, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(info.Name(), 10, 32)
		if err != nil {
			// The engine rejects non-numeric names (spec §6); a
			// reader tolerates their presence by ignoring them rather
			// than aborting replay.
			l.log.Debugf("ignoring non-numeric change file %q", info.Name())
			continue
		}
		entries = append(entries, cidEntry{cid: ids.Cid(n), size: info.Size()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cid < entries[j].cid })
	return entries, nil
}

// Commit allocates a fresh CID and durably appends mutation under it.
// parentCid is advisory (spec §4.C step 3): replay order is strictly
// by CID regardless of what is recorded here.
func (l *Log) Commit(parentCid ids.Cid, mutation Mutation) (ids.Cid, error) {
	for {
		entries, err := l.listCids()
		if err != nil {
			return 0, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: listing for allocation: %w", err))
		}
		next := ids.Cid(1)
		if len(entries) > 0 {
			next = entries[len(entries)-1].cid + 1
		}

		reservedPath := l.path(next)

		// Reserve the CID by creating an empty placeholder file.
		// O_EXCL is the authoritative guard on a real filesystem; the
		// Stat below is a defense-in-depth check for afero backends
		// that don't enforce O_EXCL faithfully (e.g. some in-memory
		// filesystems), matching spec §5's "tolerate lost races"
		// philosophy rather than relying on a single mechanism.
		if _, err := l.fs.Stat(reservedPath); err == nil {
			continue // another writer already reserved this CID
		}
		f, err := l.fs.OpenFile(reservedPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				continue // lost the race; retry with a fresh CID
			}
			return 0, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: reserving cid %d: %w", next, err))
		}
		_ = f.Close()

		txn := Transaction{
			Header: Header{Cid: next, ParentCid: parentCid, CommittedAt: time.Now()},
			Mutation: mutation,
		}
		body, err := Encode(txn)
		if err != nil {
			return 0, fmt.Errorf("changelog: %w", err)
		}

		if err := l.writeBody(reservedPath, body); err != nil {
			return 0, err
		}

		return next, nil
	}
}

// writeBody stages body in tmpDir, fsyncs, and renames it over the
// reserved placeholder at finalPath (spec §4.C step 2).
func (l *Log) writeBody(finalPath string, body []byte) error {
	tmpFile, err := afero.TempFile(l.fs, l.tmpDir, "txn-*")
	if err != nil {
		return exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: staging temp file: %w", err))
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(body); err != nil {
		_ = tmpFile.Close()
		_ = l.fs.Remove(tmpName)
		return exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: writing temp file: %w", err))
	}
	if syncer, ok := tmpFile.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			_ = tmpFile.Close()
			_ = l.fs.Remove(tmpName)
			return exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: fsync temp file: %w", err))
		}
	}
	if err := tmpFile.Close(); err != nil {
		_ = l.fs.Remove(tmpName)
		return exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: closing temp file: %w", err))
	}

	if err := l.fs.Rename(tmpName, finalPath); err != nil {
		return exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: committing transaction: %w", err))
	}
	return nil
}

func (l *Log) path(cid ids.Cid) string {
	return filepath.Join(l.dir, strconv.FormatUint(uint64(cid), 10))
}

// Since lists every committed (non-placeholder) transaction with
// cid > after, ascending by CID, decoding each in turn. A decode error
// aborts the scan at that CID (spec §4.C: "a decode error on any
// transaction aborts replay at that CID... the reader does not
// silently skip").
func (l *Log) Since(after ids.Cid) ([]Transaction, error) {
	entries, err := l.listCids()
	if err != nil {
		return nil, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: listing: %w", err))
	}

	var txns []Transaction
	for _, entry := range entries {
		if entry.cid <= after {
			continue
		}
		if entry.size == 0 {
			// Reserved but not yet (or never) committed. Treat as
			// in-flight and stop: CIDs beyond this one cannot be
			// safely assumed committed either, and replay must remain
			// strictly ordered.
			break
		}

		raw, err := afero.ReadFile(l.fs, l.path(entry.cid))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Lost a race with a concurrent GC pass; the
				// transaction must have been safely subsumed by a
				// rollup already, otherwise GC would not have
				// dropped it.
				continue
			}
			return txns, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: reading cid %d: %w", entry.cid, err))
		}

		txn, err := Decode(raw)
		if err != nil {
			return txns, exterrors.New(exterrors.KindCorruptTransaction, "", fmt.Errorf("changelog: cid %d: %w", entry.cid, err))
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// DeleteUpTo removes every committed transaction file with cid <= cid,
// ignoring already-missing files (spec §5 "tolerant GC").
func (l *Log) DeleteUpTo(cid ids.Cid) error {
	entries, err := l.listCids()
	if err != nil {
		return exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("changelog: listing for gc: %w", err))
	}
	for _, entry := range entries {
		if entry.cid > cid {
			continue
		}
		if err := l.fs.Remove(l.path(entry.cid)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			l.log.Error(fmt.Sprintf("failed to remove transaction cid=%d", entry.cid), err)
		}
	}
	return nil
}
