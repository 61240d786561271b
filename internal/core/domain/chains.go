package domain

type ChainID string

// ChainKind selects how a mint instruction reaches the destination chain:
// EVM-style chains take a direct connector call, IBC-style chains take a
// packet on a configured channel.
type ChainKind string

const (
	ChainKindEVM ChainKind = "evm"
	ChainKindIBC ChainKind = "ibc"
)

// ChainFormat selects the canonical payload hash for a destination chain.
type ChainFormat string

const (
	FormatEVM       ChainFormat = "evm"       // keccak256
	FormatCosmos    ChainFormat = "cosmos"    // sha256
	FormatSubstrate ChainFormat = "substrate" // blake2b-256
)
