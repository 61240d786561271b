package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal tracks bridge transfers per direction and terminal status
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_transfers_total",
			Help: "Total number of bridge transfers",
		},
		[]string{"direction", "status"},
	)

	// MintInvocations tracks downstream mint submissions per destination chain
	MintInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_mint_invocations_total",
			Help: "Total number of mint submissions to destination chains",
		},
		[]string{"chain"},
	)

	// UnlockInvocations tracks escrow releases per source chain
	UnlockInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_unlock_invocations_total",
			Help: "Total number of unlock submissions to source chains",
		},
		[]string{"chain"},
	)

	// SignaturesAccepted tracks accepted validator signatures
	SignaturesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_signatures_accepted_total",
			Help: "Total number of accepted validator signatures",
		},
		[]string{"algorithm"},
	)

	// SignaturesRejected tracks rejected validator signatures by reason
	SignaturesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_signatures_rejected_total",
			Help: "Total number of rejected validator signatures",
		},
		[]string{"reason"},
	)

	// PacketsTotal tracks packet lifecycle outcomes per channel
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_packets_total",
			Help: "Total number of packets by outcome",
		},
		[]string{"channel", "outcome"},
	)

	// EscrowBalance tracks the current escrow balance per asset
	EscrowBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_escrow_balance",
			Help: "Current escrow balance per asset",
		},
		[]string{"asset"},
	)

	// TVL tracks the total value locked across all assets
	TVL = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_tvl",
			Help: "Total value locked across all escrowed assets",
		},
	)

	// HaltState is 1 while the bridge is halted
	HaltState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_halted",
			Help: "Whether the bridge is currently halted (1) or active (0)",
		},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
