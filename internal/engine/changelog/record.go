package changelog

import (
	"time"

	"github.com/epilys/crymap/internal/engine/ids"
	"github.com/epilys/crymap/internal/engine/msgstore"
)

// Kind identifies the variant of a transaction's mutation body (spec §4.C).
type Kind int

const (
	KindAppend Kind = iota
	KindStoreFlags
	KindExpunge
	KindRename
	KindSubscribe
	KindUnsubscribe
	KindDefineFlag
)

func (k Kind) String() string {
	switch k {
	case KindAppend:
		return "Append"
	case KindStoreFlags:
		return "StoreFlags"
	case KindExpunge:
		return "Expunge"
	case KindRename:
		return "Rename"
	case KindSubscribe:
		return "Subscribe"
	case KindUnsubscribe:
		return "Unsubscribe"
	case KindDefineFlag:
		return "DefineFlag"
	default:
		return "Unknown"
	}
}

// Mutation is one typed state-mutation record (spec §4.C table). Each
// concrete type below implements it and is gob-registered in init().
type Mutation interface {
	Kind() Kind
}

// Append inserts a new message at a freshly-assigned UID.
type Append struct {
	Uid          ids.Uid
	Hash         msgstore.Hash
	Size         int64
	InternalDate time.Time
	EmailID      msgstore.EmailID
	Flags        []string
}

func (Append) Kind() Kind { return KindAppend }

// StoreFlags sets the Add flags and clears the Remove flags on each UID
// of a UID set.
type StoreFlags struct {
	Uids   []ids.Uid
	Add    []string
	Remove []string
	Silent bool
}

func (StoreFlags) Kind() Kind { return KindStoreFlags }

// Expunge marks a UID set expunged as of this transaction's CID.
type Expunge struct {
	Uids []ids.Uid
}

func (Expunge) Kind() Kind { return KindExpunge }

// Rename changes the mailbox's name; it carries no content mutation.
type Rename struct {
	NewName string
}

func (Rename) Kind() Kind { return KindRename }

// Subscribe toggles the mailbox's subscription bit on.
type Subscribe struct{}

func (Subscribe) Kind() Kind { return KindSubscribe }

// Unsubscribe toggles the mailbox's subscription bit off.
type Unsubscribe struct{}

func (Unsubscribe) Kind() Kind { return KindUnsubscribe }

// DefineFlag appends a flag to the mailbox's flag table if absent,
// assigning it the next stable flag_id.
type DefineFlag struct {
	Flag string
}

func (DefineFlag) Kind() Kind { return KindDefineFlag }

// Header precedes every transaction's body (spec §4.C).
type Header struct {
	Cid         ids.Cid
	ParentCid   ids.Cid // advisory only; replay order is strictly by Cid
	CommittedAt time.Time
}

// Transaction is one self-describing committed record: a header plus
// exactly one typed Mutation.
type Transaction struct {
	Header   Header
	Mutation Mutation
}
