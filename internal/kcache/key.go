// Package kcache is the content-addressed compilation cache: it guarantees
// at-most-one device compilation per distinct source body and capability, and
// fans a single compiled binary out to per-context loaded modules.
package kcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"cubit/internal/device"
)

// Key uniquely identifies a compilation: the target capability plus the
// content hash of the generated source. Two fragments with identical text and
// target collapse to one compilation.
type Key struct {
	Cap  device.Capability
	Hash [sha256.Size]byte
}

// KeyFor hashes generated source text for a capability.
func KeyFor(cap device.Capability, source string) Key {
	return Key{Cap: cap, Hash: sha256.Sum256([]byte(source))}
}

// String returns the capability-segmented hex form used for blob file names.
func (k Key) String() string {
	return fmt.Sprintf("%s-%s", k.Cap.ArchName(), hex.EncodeToString(k.Hash[:]))
}
