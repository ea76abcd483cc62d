package changelog

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// No codec library in the teacher's or pack's go.mod is meant for
// hand-authored structs without a schema compiler (protobuf appears
// only as an indirect pulled in by lint/gRPC tooling); gob is the
// stdlib default for exactly this "serialize a closed, versioned set
// of Go structs to a file" case. See DESIGN.md.

func init() {
	gob.Register(Append{})
	gob.Register(StoreFlags{})
	gob.Register(Expunge{})
	gob.Register(Rename{})
	gob.Register(Subscribe{})
	gob.Register(Unsubscribe{})
	gob.Register(DefineFlag{})
}

// formatVersion is embedded in every encoded transaction so an unknown
// future version is a hard decode error rather than silent
// misinterpretation (spec §6 "Format carries a version tag").
const formatVersion = 1

type wireTransaction struct {
	Version  int
	Header   Header
	Mutation Mutation
}

// Encode serializes a transaction to its sealed-before-write byte form.
func Encode(txn Transaction) ([]byte, error) {
	var buf bytes.Buffer
	w := wireTransaction{Version: formatVersion, Header: txn.Header, Mutation: txn.Mutation}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("changelog: encoding transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a transaction's on-disk bytes. An unknown format
// version is a hard error (spec §6): the engine refuses to interpret
// bytes from a future format rather than guess.
func Decode(raw []byte) (Transaction, error) {
	var w wireTransaction
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&w); err != nil {
		return Transaction{}, fmt.Errorf("changelog: decoding transaction: %w", err)
	}
	if w.Version != formatVersion {
		return Transaction{}, fmt.Errorf("changelog: unknown transaction format version %d", w.Version)
	}
	return Transaction{Header: w.Header, Mutation: w.Mutation}, nil
}
