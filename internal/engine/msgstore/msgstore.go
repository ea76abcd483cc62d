// Package msgstore implements the content-addressed, immutable message
// blob store shared across all mailboxes of a user (spec §3 "Message",
// §4.B, §5 "Shared resources"). Messages are written once, named by a
// hash of their sealed bytes, and garbage-collected in two phases once
// no retained transaction or rollup references them.
package msgstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"lukechampine.com/blake3"

	"github.com/epilys/crymap/framework/exterrors"
	"github.com/epilys/crymap/framework/log"
)

// Hash content-addresses a message's sealed bytes with blake3-256.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// shardedPath splits the hash into shared/messages/<hash[0..2]>/<hash[2..]>
// per spec §6's on-disk layout.
func (h Hash) shardedPath() (dir, name string) {
	full := h.String()
	return full[:2], full[2:]
}

// EmailID is the opaque 15-byte identifier carried by Message metadata
// (spec §3). It has no structure the engine relies on beyond identity.
type EmailID [15]byte

// Meta is the metadata recorded alongside a stored message (spec §3).
type Meta struct {
	Hash        Hash
	Size        int64
	InternalDate time.Time
	EmailID     EmailID
}

// Store is the content-addressed message blob store for one user root.
// It is shared across every mailbox that user owns.
type Store struct {
	fs         afero.Fs
	messages   string // shared/messages
	tmpDir     string
	garbageDir string
	log        log.Logger

	// handles caches recently-opened hashes' sharded path, avoiding a
	// repeat Stat on hot re-fetch (e.g. a client re-fetching the same
	// message body across several FETCH commands in one session).
	handles *lru.Cache[Hash, string]
}

// New builds a Store rooted at the given directories, matching spec
// §6's on-disk layout: messages under messagesDir, staging under
// tmpDir, two-phase-unlink staging under garbageDir.
func New(fs afero.Fs, messagesDir, tmpDir, garbageDir string, logger log.Logger) (*Store, error) {
	handles, err := lru.New[Hash, string](1024)
	if err != nil {
		return nil, fmt.Errorf("msgstore: building handle cache: %w", err)
	}
	for _, dir := range []string{messagesDir, tmpDir, garbageDir} {
		if err := fs.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("msgstore: creating %s: %w", dir, err)
		}
	}
	return &Store{
		fs:         fs,
		messages:   messagesDir,
		tmpDir:     tmpDir,
		garbageDir: garbageDir,
		log:        logger,
		handles:    handles,
	}, nil
}

// Put stages r in tmpDir, hashes it as it is written, fsyncs, then
// renames into its sharded final path. Concurrent writers of identical
// content race to the same final name by construction: the loser's
// rename fails with "exists" (or silently overwrites identical bytes on
// filesystems without atomic rename collision detection), and either
// way its now-redundant temp file is removed.
func (s *Store) Put(r io.Reader) (Hash, int64, error) {
	tmpFile, err := afero.TempFile(s.fs, s.tmpDir, "msg-*")
	if err != nil {
		return Hash{}, 0, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: staging temp file: %w", err))
	}
	tmpName := tmpFile.Name()
	removeTemp := true
	defer func() {
		if removeTemp {
			_ = s.fs.Remove(tmpName)
		}
	}()

	hasher := blake3.New(32, nil)
	n, err := io.Copy(tmpFile, io.TeeReader(r, hasher))
	if err != nil {
		_ = tmpFile.Close()
		return Hash{}, 0, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: writing temp file: %w", err))
	}
	if syncer, ok := tmpFile.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			_ = tmpFile.Close()
			return Hash{}, 0, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: fsync temp file: %w", err))
		}
	}
	if err := tmpFile.Close(); err != nil {
		return Hash{}, 0, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: closing temp file: %w", err))
	}

	var h Hash
	copy(h[:], hasher.Sum(nil))

	dir, name := h.shardedPath()
	finalDir := filepath.Join(s.messages, dir)
	if err := s.fs.MkdirAll(finalDir, 0o750); err != nil {
		return Hash{}, 0, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: creating shard dir: %w", err))
	}
	finalPath := filepath.Join(finalDir, name)

	if _, err := s.fs.Stat(finalPath); err == nil {
		// Identical content already committed by a winning writer
		// (possibly this same Put racing another process). Drop our
		// temp copy; nothing more to do.
		return h, n, nil
	}

	if err := s.fs.Rename(tmpName, finalPath); err != nil {
		// Lost the race to another writer finishing first, or the
		// destination appeared between our Stat and Rename. Either
		// way the content is now present under finalPath; treat it as
		// success rather than retry.
		if _, statErr := s.fs.Stat(finalPath); statErr == nil {
			return h, n, nil
		}
		return Hash{}, 0, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: renaming into place: %w", err))
	}
	removeTemp = false

	s.handles.Add(h, finalPath)
	return h, n, nil
}

// Open returns a read handle for the message with the given hash.
func (s *Store) Open(h Hash) (afero.File, error) {
	path, ok := s.handles.Get(h)
	if !ok {
		dir, name := h.shardedPath()
		path = filepath.Join(s.messages, dir, name)
	}

	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exterrors.New(exterrors.KindNxMessage, "", err)
		}
		return nil, exterrors.New(exterrors.KindIoFatal, "", err)
	}
	s.handles.Add(h, path)
	return f, nil
}

// GCResult summarises one GC pass.
type GCResult struct {
	MarkedGarbage int // files moved from the store into garbageDir this pass
	Unlinked      int // garbage files actually removed this pass (from a prior pass)
}

// GC performs the two-phase collection spec §4.B describes: any stored
// file not present in `referenced` is moved into garbageDir on this
// pass; any file already in garbageDir from a *previous* pass is
// unlinked now. referenced is supplied by the caller (the rollup
// manager), which alone knows which hashes retained transactions and
// rollups still name.
func (s *Store) GC(referenced map[Hash]struct{}) (GCResult, error) {
	var result GCResult

	// Phase 2 first: unlink anything left over from the prior pass.
	garbageEntries, err := afero.ReadDir(s.fs, s.garbageDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: listing garbage: %w", err))
	}
	for _, entry := range garbageEntries {
		path := filepath.Join(s.garbageDir, entry.Name())
		if err := s.fs.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // lost a race with another GC pass; fine
			}
			s.log.Error("failed to unlink garbage file "+path, err)
			continue
		}
		result.Unlinked++
	}

	// Phase 1: sweep the message tree, move anything unreferenced into
	// garbageDir.
	shardDirs, err := afero.ReadDir(s.fs, s.messages)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: listing messages: %w", err))
	}

	for _, shard := range shardDirs {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.messages, shard.Name())
		files, err := afero.ReadDir(s.fs, shardPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return result, exterrors.New(exterrors.KindIoFatal, "", fmt.Errorf("msgstore: listing shard %s: %w", shard.Name(), err))
		}
		for _, f := range files {
			h, ok := parseHash(shard.Name(), f.Name())
			if !ok {
				continue // not a message file name; ignore (tolerant GC)
			}
			if _, keep := referenced[h]; keep {
				continue
			}

			src := filepath.Join(shardPath, f.Name())
			dst := filepath.Join(s.garbageDir, shard.Name()+f.Name())
			if err := s.fs.Rename(src, dst); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue // another process already moved/removed it
				}
				s.log.Error("failed to stage garbage "+src, err)
				continue
			}
			result.MarkedGarbage++
		}
	}

	return result, nil
}

func parseHash(shardDir, name string) (Hash, bool) {
	full := shardDir + name
	if len(full) != 64 {
		return Hash{}, false
	}
	raw, err := hex.DecodeString(full)
	if err != nil {
		return Hash{}, false
	}
	var h Hash
	copy(h[:], raw)
	return h, true
}

// NewEmailID mints a fresh opaque email-id by truncating a random v4
// UUID to the 15 bytes the spec calls for; the engine never interprets
// these bytes, so truncation carries no structural meaning.
func NewEmailID() EmailID {
	raw := uuid.New()
	var id EmailID
	copy(id[:], raw[:15])
	return id
}
