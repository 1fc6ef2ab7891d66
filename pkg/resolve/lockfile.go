package resolve

import (
	"encoding/json"

	"github.com/keelworks/keel/pkg/canonicalize"
	"github.com/keelworks/keel/pkg/fault"
)

// LockfileVersion is bumped on any incompatible change to the lockfile
// shape. The wire field names are a compatibility surface.
const LockfileVersion = 1

// LockEntry records one resolved chain link.
type LockEntry struct {
	ItemID      string `json:"item_id"`
	Version     string `json:"version"`
	ContentHash string `json:"content_hash"`
}

// Lockfile is the reproducible record of a resolved chain. Resolving the
// same root against an unchanged item store yields a byte-identical
// lockfile; it is valid input to skip re-resolution only while every
// recorded hash still matches current content.
type Lockfile struct {
	LockfileVersion int         `json:"lockfile_version"`
	Root            LockEntry   `json:"root"`
	ResolvedChain   []LockEntry `json:"resolved_chain"`
}

// Encode renders the lockfile as canonical JSON. Byte-identical for equal
// content regardless of how the struct was built.
func (lf *Lockfile) Encode() ([]byte, error) {
	return canonicalize.JCS(lf)
}

// DecodeLockfile parses lockfile bytes and rejects unknown versions.
func DecodeLockfile(raw []byte) (*Lockfile, error) {
	var lf Lockfile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, fault.New(fault.CodeMalformedItem, "lockfile unreadable").WithCause(err)
	}
	if lf.LockfileVersion != LockfileVersion {
		return nil, fault.New(fault.CodeLockfileStale,
			"unsupported lockfile version %d", lf.LockfileVersion)
	}
	return &lf, nil
}
