package config

import (
	"time"

	"github.com/vietddude/bridge/internal/core/domain"
	redisclient "github.com/vietddude/bridge/internal/infra/redis"
	"github.com/vietddude/bridge/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Bridge     BridgeConfig       `yaml:"bridge"`
	Chains     []ChainConfig      `yaml:"chains"`
	Validators []ValidatorConfig  `yaml:"validators"`
	Assets     []AssetConfig      `yaml:"assets"`
	Redis      redisclient.Config `yaml:"redis"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// BridgeConfig holds the core bridge parameters.
type BridgeConfig struct {
	// Threshold is the number of distinct valid validator signatures required
	// before a transfer is authorized.
	Threshold int `yaml:"threshold"`

	// FeeBps is the bridge fee in basis points, deducted at lock and burn.
	FeeBps uint64 `yaml:"fee_bps"`

	// CollectWindow bounds how long a transaction may sit in
	// signatures_collecting before the sweeper times it out.
	CollectWindow time.Duration `yaml:"collect_window"`

	// GraceWindow bounds how far back a resume re-activates timed-out
	// transactions.
	GraceWindow time.Duration `yaml:"grace_window"`

	// HaltBlocksCollection controls whether an emergency halt also rejects
	// in-flight submit-signature calls. The default (false) matches the
	// halt toggle gating only new lock/burn operations; set true for the
	// stricter policy.
	HaltBlocksCollection bool `yaml:"halt_blocks_collection"`

	// SweepInterval is how often the timeout sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ChainConfig holds settings for one destination chain.
type ChainConfig struct {
	ChainID      domain.ChainID     `yaml:"id"`
	Kind         domain.ChainKind   `yaml:"kind"`   // evm | ibc
	Format       domain.ChainFormat `yaml:"format"` // evm | cosmos | substrate
	ConnectorURL string             `yaml:"connector_url"`
	ChannelID    string             `yaml:"channel_id"`    // ibc kind only
	TimeoutMode  domain.TimeoutMode `yaml:"timeout_mode"`  // height | timestamp
	TimeoutDelta uint64             `yaml:"timeout_delta"` // blocks or seconds past head
}

// ValidatorConfig registers one validator of the active set.
type ValidatorConfig struct {
	ID        string              `yaml:"id"`
	Algorithm domain.AlgorithmTag `yaml:"algorithm"`
	PubKeyHex string              `yaml:"pubkey"`
	// SeedHex, when set, derives the validator's signing key locally. Only
	// used by nodes that sign; relay-only nodes omit it.
	SeedHex string `yaml:"seed"`
}

// AssetConfig registers a bridgeable asset.
type AssetConfig struct {
	AssetID     string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Symbol      string         `yaml:"symbol"`
	Decimals    uint8          `yaml:"decimals"`
	NativeChain domain.ChainID `yaml:"native_chain"`
}
