package domain

// Channel is one end of an ordered packet channel. The counterparty is held
// as an identifier and resolved through the channel registry, never as an
// owning reference.
type Channel struct {
	ChannelID           string       `json:"channel_id"`
	PortID              string       `json:"port_id"`
	CounterpartyChannel string       `json:"counterparty_channel_id"`
	State               ChannelState `json:"state"`
	TimeoutMode         TimeoutMode  `json:"timeout_mode"`
	TimeoutDelta        uint64       `json:"timeout_delta"` // blocks or seconds past head; 0 uses the node default
	CreatedAt           int64        `json:"created_at"`
}

type ChannelState string

const (
	ChannelInit    ChannelState = "init"
	ChannelTryOpen ChannelState = "try_open"
	ChannelOpen    ChannelState = "open"
	ChannelClosed  ChannelState = "closed"
)

// TimeoutMode selects which head dimension a packet timeout is judged against.
type TimeoutMode string

const (
	TimeoutByHeight    TimeoutMode = "height"
	TimeoutByTimestamp TimeoutMode = "timestamp"
)
