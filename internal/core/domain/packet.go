package domain

import (
	"crypto/sha256"
	"encoding/binary"
)

// Packet is a single cross-chain message on a channel. Sequence numbers are
// assigned per channel, strictly increasing from 1, and never reused.
type Packet struct {
	ChannelID        string      `json:"channel_id"`
	Sequence         uint64      `json:"sequence"`
	TimeoutHeight    uint64      `json:"timeout_height"`
	TimeoutTimestamp uint64      `json:"timeout_timestamp"`
	Payload          []byte      `json:"payload"`
	Type             PayloadType `json:"type"`
}

// PayloadType keys the application handler a received packet is dispatched to.
type PayloadType string

const (
	PayloadTokenTransfer PayloadType = "token_transfer"
	PayloadOracleUpdate  PayloadType = "oracle_update"
	PayloadGovernance    PayloadType = "governance"
)

// CommitmentHash binds channel, sequence, payload and timeout into the hash
// held on the source side until the packet outcome is finalized.
func (p *Packet) CommitmentHash() []byte {
	h := sha256.New()
	h.Write([]byte(p.ChannelID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], p.Sequence)
	h.Write(buf[:])
	h.Write(p.Payload)
	binary.BigEndian.PutUint64(buf[:], p.TimeoutHeight)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], p.TimeoutTimestamp)
	h.Write(buf[:])
	return h.Sum(nil)
}

// PacketCommitment is the persisted source-side record of an in-flight packet.
type PacketCommitment struct {
	ChannelID string          `json:"channel_id"`
	Sequence  uint64          `json:"sequence"`
	Hash      []byte          `json:"hash"`
	State     CommitmentState `json:"state"`
	CreatedAt int64           `json:"created_at"`
}

// CommitmentState tracks the packet outcome. Acknowledged and timed_out are
// terminal and mutually exclusive.
type CommitmentState string

const (
	CommitmentPending      CommitmentState = "pending"
	CommitmentAcknowledged CommitmentState = "acknowledged"
	CommitmentTimedOut     CommitmentState = "timed_out"
)

// Ack is the receiving side's acknowledgment of a packet, signed by the
// counterparty validator set.
type Ack struct {
	ChannelID  string               `json:"channel_id"`
	Sequence   uint64               `json:"sequence"`
	Success    bool                 `json:"success"`
	Result     []byte               `json:"result,omitempty"`
	Signatures []ValidatorSignature `json:"signatures"`
}

// ChainHead is a chain connector's view of the destination chain tip.
type ChainHead struct {
	Height    uint64 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
}
