package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Level is the evidence level of a signature envelope.
type Level int

const (
	// LevelBasic is a plain CMS signature over the signed attributes.
	LevelBasic Level = iota
	// LevelTimestamp adds an RFC 3161 token over the signature value.
	LevelTimestamp
	// LevelLongTerm adds revocation proofs for the whole chain.
	LevelLongTerm
	// LevelLongTermArchive adds an archive timestamp wrapping all prior
	// evidence.
	LevelLongTermArchive
)

// ErrUnknownLevel signals an unrecognized level name.
var ErrUnknownLevel = errors.New("unknown signature level")

// String returns the canonical level name.
func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "BASIC"
	case LevelTimestamp:
		return "TIMESTAMP"
	case LevelLongTerm:
		return "LONG_TERM"
	case LevelLongTermArchive:
		return "LONG_TERM_ARCHIVE"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel parses a level name as produced by String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BASIC":
		return LevelBasic, nil
	case "TIMESTAMP":
		return LevelTimestamp, nil
	case "LONG_TERM", "LONGTERM":
		return LevelLongTerm, nil
	case "LONG_TERM_ARCHIVE", "ARCHIVE":
		return LevelLongTermArchive, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

// State tracks progress through the signing pipeline. Transitions only move
// forward; a failed mandatory step leaves the task unfinishable.
type State int

const (
	// StateInitial is a task before any work.
	StateInitial State = iota
	// StateDigestComputed means the document digest is fixed.
	StateDigestComputed
	// StateAttributesBuilt means the signed attribute set is fixed.
	StateAttributesBuilt
	// StateSigned means the signature value and envelope exist.
	StateSigned
	// StateTimestamped means a timestamp token has been attached.
	StateTimestamped
	// StateRevocationEmbedded means revocation proofs have been attached.
	StateRevocationEmbedded
	// StateFinalized means the envelope is embedded in the document.
	StateFinalized
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateDigestComputed:
		return "digest-computed"
	case StateAttributesBuilt:
		return "attributes-built"
	case StateSigned:
		return "signed"
	case StateTimestamped:
		return "timestamped"
	case StateRevocationEmbedded:
		return "revocation-embedded"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}
