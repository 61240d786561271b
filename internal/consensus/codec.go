package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/vietddude/bridge/internal/core/domain"
)

// CanonicalPayload is the tuple every validator signs for a transfer. The
// byte layout is fixed so that independently produced signatures bind the
// same digest.
type CanonicalPayload struct {
	SourceChain domain.ChainID
	DestChain   domain.ChainID
	AssetID     string
	Amount      uint64
	Nonce       uint64
	Recipient   string
}

// Encode produces the canonical byte layout: length-prefixed strings in
// declaration order, then amount and nonce big-endian.
func (p CanonicalPayload) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = appendString(buf, string(p.SourceChain))
	buf = appendString(buf, string(p.DestChain))
	buf = appendString(buf, p.AssetID)
	buf = binary.BigEndian.AppendUint64(buf, p.Amount)
	buf = binary.BigEndian.AppendUint64(buf, p.Nonce)
	buf = appendString(buf, p.Recipient)
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Hash digests the canonical encoding with the destination chain's hash
// function: keccak256 for EVM-style chains, sha256 for cosmos-style, and
// blake2b-256 for substrate-style.
func (p CanonicalPayload) Hash(format domain.ChainFormat) ([]byte, error) {
	return HashDigest(p.Encode(), format)
}

// HashDigest applies the chain-format hash to arbitrary canonical bytes.
func HashDigest(data []byte, format domain.ChainFormat) ([]byte, error) {
	switch format {
	case domain.FormatEVM:
		h := sha3.NewLegacyKeccak256()
		h.Write(data)
		return h.Sum(nil), nil
	case domain.FormatCosmos:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case domain.FormatSubstrate:
		sum := blake2b.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: unknown chain format %q", domain.ErrValidation, format)
	}
}
