// Package address derives per-session receive addresses from a merchant's
// extended public key. The real BIP32/xPub derivation library is an
// external collaborator out of scope for this module (see spec §1); this
// package defines the narrow interface the Session Manager depends on plus
// a reference implementation sufficient to exercise the full session
// lifecycle in tests.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
)

// XPubPattern matches the accepted extended-public-key shapes.
var XPubPattern = regexp.MustCompile(`^(xpub|kpub)[A-Za-z0-9]{90,130}$`)

// Deriver produces a receive address for a given xPub and address index.
// Implementations are expected to be pure and side-effect free: no I/O, no
// shared state across calls.
type Deriver interface {
	Derive(xpub string, index uint64) (string, error)
}

// RegexDeriver is a reference Deriver: it validates the xPub shape and
// derives a deterministic address by hashing (xpub, index) and encoding the
// digest with a bech32m-style checksum under the network's address prefix.
// It does not implement real HD-wallet key derivation — see DESIGN.md.
type RegexDeriver struct {
	Prefix string // e.g. "kaspa" or "kaspatest"
}

// NewRegexDeriver constructs a RegexDeriver for the given network prefix.
func NewRegexDeriver(prefix string) *RegexDeriver {
	if prefix == "" {
		prefix = "kaspa"
	}
	return &RegexDeriver{Prefix: prefix}
}

// Derive implements Deriver.
func (d *RegexDeriver) Derive(xpub string, index uint64) (string, error) {
	if !XPubPattern.MatchString(xpub) {
		return "", fmt.Errorf("address: xpub does not match the expected shape")
	}
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, index)
	h := sha256.Sum256(append([]byte(xpub), payload...))
	return encodeBech32ish(d.Prefix, h[:20]), nil
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// encodeBech32ish renders a 20-byte payload under prefix using the bech32
// character set with a checksum derived from the payload itself. It is not
// a full bech32m implementation (no polymod error-correction), which is
// acceptable for a placeholder deriver whose only requirements are
// determinism and a Kaspa-shaped address string.
func encodeBech32ish(prefix string, payload []byte) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')

	bits, acc, num := 0, uint32(0), 0
	words := make([]byte, 0, len(payload)*8/5+2)
	for _, b := range payload {
		acc = (acc << 8) | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			words = append(words, byte((acc>>uint(bits))&0x1f))
			num++
		}
	}
	if bits > 0 {
		words = append(words, byte((acc<<uint(5-bits))&0x1f))
	}
	checksum := sha256.Sum256(payload)
	for _, w := range words {
		sb.WriteByte(bech32Charset[w])
	}
	for i := 0; i < 8; i++ {
		sb.WriteByte(bech32Charset[checksum[i]&0x1f])
	}
	return sb.String()
}
