package blockstm

import "golang.org/x/crypto/sha3"

// keccak256 hashes the concatenation of the given byte slices. Event.Hash
// uses it to give events a stable identifier; it is not on the hot
// validation path.
func keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}
