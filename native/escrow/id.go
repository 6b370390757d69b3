package escrow

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
)

// deriveID produces the escrow identifier from the creation context. The
// serialization is fixed: timestamp (8 bytes), sequence (4 bytes), the
// post-increment registry counter (8 bytes) and the amount (16 bytes), all
// big-endian, hashed with SHA-256. The counter increment happens before the
// hash is taken, so two creations inside the same timestamp and sequence
// still produce distinct identifiers.
func deriveID(timestamp uint64, sequence uint32, counter uint64, amount *big.Int) [32]byte {
	var buf [36]byte
	binary.BigEndian.PutUint64(buf[0:8], timestamp)
	binary.BigEndian.PutUint32(buf[8:12], sequence)
	binary.BigEndian.PutUint64(buf[12:20], counter)
	amount.FillBytes(buf[20:36])
	return sha256.Sum256(buf[:])
}

// HashSecret computes the hash-lock digest for a candidate preimage.
func HashSecret(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}
