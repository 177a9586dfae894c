// Package cas provides the content-addressed storage layer: CID computation
// for raw bytes and a MinIO-backed blob store keyed by CID.
package cas

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
)

// base58btc alphabet as used by IPFS CIDv0 identifiers.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const (
	multihashSHA256 = 0x12
	sha256Length    = 0x20
)

// ComputeCID returns the CIDv0 ("Qm...") for the given bytes: the base58btc
// encoding of the sha2-256 multihash.
func ComputeCID(data []byte) string {
	sum := sha256.Sum256(data)
	mh := make([]byte, 0, 2+len(sum))
	mh = append(mh, multihashSHA256, sha256Length)
	mh = append(mh, sum[:]...)
	return encodeBase58(mh)
}

// ComputeCIDFromReader drains the reader and hashes it in one pass.
func ComputeCIDFromReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash content: %w", err)
	}
	mh := make([]byte, 0, 2+sha256.Size)
	mh = append(mh, multihashSHA256, sha256Length)
	mh = h.Sum(mh)
	return encodeBase58(mh), n, nil
}

var base58Base = big.NewInt(58)

func encodeBase58(input []byte) string {
	n := new(big.Int).SetBytes(input)
	mod := new(big.Int)
	out := make([]byte, 0, len(input)*2)
	for n.Sign() > 0 {
		n.DivMod(n, base58Base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	// Leading zero bytes encode as '1'.
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
