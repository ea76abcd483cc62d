package rollup

import (
	"sort"
	"time"

	"github.com/epilys/crymap/framework/config"
	"github.com/epilys/crymap/internal/engine/ids"
)

// Info describes one rollup file without its decoded state, enough to
// classify and to drive GC (spec §4.E).
type Info struct {
	Modseq      ids.Modseq
	Cid         ids.Cid
	CommittedAt time.Time
}

// Classification is the per-rollup verdict of Classify (spec §4.E,
// §8 invariant 5). Cid identifies which rollup it describes.
type Classification struct {
	Cid                ids.Cid
	DeleteRollup       bool
	DeleteTransactions bool
}

// Classify applies spec §4.E's two-grace-period rule to rollups,
// returning one Classification per input rollup, ascending by CID.
// The greatest-CID rollup (the latest) is never marked, regardless of
// its age — it is always the starting point for the next SELECT.
//
// This is a pure function of (rollups, now, cfg): no I/O, no locking,
// safe to unit test exhaustively (scenarios S1-S3 in spec §8).
func Classify(rollups []Info, now time.Time, cfg config.Engine) []Classification {
	sorted := make([]Info, len(rollups))
	copy(sorted, rollups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cid < sorted[j].Cid })

	result := make([]Classification, len(sorted))
	for i, r := range sorted {
		result[i] = Classification{Cid: r.Cid}
	}
	if len(sorted) == 0 {
		return result
	}

	latestCid := sorted[len(sorted)-1].Cid

	for i, r := range sorted {
		if r.Cid == latestCid {
			continue
		}
		if now.Sub(r.CommittedAt) >= cfg.OldRollupGracePeriod {
			result[i].DeleteRollup = true
			result[i].DeleteTransactions = true
		}
	}

	n := len(sorted)
	if n > cfg.ExcessRollupThreshold {
		oldestCount := n - cfg.ExcessRollupThreshold
		for i := 0; i < oldestCount; i++ {
			r := sorted[i]
			if r.Cid == latestCid {
				continue
			}
			if now.Sub(r.CommittedAt) >= cfg.ExcessRollupGracePeriod {
				result[i].DeleteRollup = true
			}
		}
	}

	return result
}

// ExpungeBeforeCid computes the transaction-GC floor spec §4.E step
// "Drive GC" describes: the greatest CID among rollups marked
// delete_transactions, or 0 if none are marked.
//
// Per spec §9's open question, this compares rollups by CID alone
// rather than full lexicographic (uid, cid) Modseq order: a
// hypothetical UID-only bump (impossible with the current mutation
// set, but permitted by the Modseq type) must not cause premature GC.
func ExpungeBeforeCid(classifications []Classification) ids.Cid {
	var floor ids.Cid
	for _, c := range classifications {
		if c.DeleteTransactions && c.Cid > floor {
			floor = c.Cid
		}
	}
	return floor
}
