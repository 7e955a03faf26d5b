package binio

import "crypto/sha256"

// Salt is the fixed 16-byte sequence appended to the payload before
// hashing (spec §6.1).
var Salt = [16]byte{0x8b, 0xe1, 0x53, 0x2f, 0x41, 0x16, 0xc9, 0x8d, 0x1a, 0x2a, 0xb4, 0x3c, 0x0b, 0x34, 0xae, 0xdf}

// ContentHash computes SHA-256(payload || Salt). A single-shot
// computation is sufficient; no streaming API is required (spec §4.1).
func ContentHash(payload []byte) [32]byte {
	h := sha256.New()
	h.Write(payload)
	h.Write(Salt[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
