package rollup

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/epilys/crymap/internal/engine/ids"
	"github.com/epilys/crymap/internal/engine/state"
)

// formatVersion is embedded in every rollup file; an unknown version
// is a hard decode error, per spec §6: "the engine refuses to load and
// falls back to transaction replay" rather than guess at the layout.
const formatVersion = 1

type wireRollup struct {
	Version     int
	Modseq      uint64
	CommittedAt time.Time
	State       state.MailboxState
}

// Encode serialises a materialised state as the rollup taken at modseq.
func Encode(modseq ids.Modseq, committedAt time.Time, s state.MailboxState) ([]byte, error) {
	var buf bytes.Buffer
	w := wireRollup{Version: formatVersion, Modseq: modseq.Raw(), CommittedAt: committedAt, State: s}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("rollup: encoding snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a rollup file's bytes back into its Modseq and state.
func Decode(raw []byte) (ids.Modseq, state.MailboxState, error) {
	var w wireRollup
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&w); err != nil {
		return 0, state.MailboxState{}, fmt.Errorf("rollup: decoding snapshot: %w", err)
	}
	if w.Version != formatVersion {
		return 0, state.MailboxState{}, fmt.Errorf("rollup: unknown snapshot format version %d", w.Version)
	}
	modseq, err := ids.Of(w.Modseq)
	if err != nil {
		return 0, state.MailboxState{}, fmt.Errorf("rollup: invalid modseq in snapshot: %w", err)
	}
	return modseq, w.State, nil
}
