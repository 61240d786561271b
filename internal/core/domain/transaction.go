package domain

// BridgeTransaction represents a cross-chain transfer tracked by the bridge.
type BridgeTransaction struct {
	ID             string               `json:"id"`
	AssetID        string               `json:"asset_id"`
	Amount         uint64               `json:"amount"`
	FeeAmount      uint64               `json:"fee_amount"`
	Direction      TransferDirection    `json:"direction"`
	SourceChain    ChainID              `json:"source_chain"`
	DestChain      ChainID              `json:"dest_chain"`
	SourceAddr     string               `json:"source_addr"`
	DestAddr       string               `json:"dest_addr"`
	Status         TxStatus             `json:"status"`
	Signatures     []ValidatorSignature `json:"signatures"`
	DestTxHash     string               `json:"dest_tx_hash,omitempty"`
	IdempotencyKey string               `json:"idempotency_key"`
	Nonce          uint64               `json:"nonce"`
	CreatedAt      int64                `json:"created_at"`
	UpdatedAt      int64                `json:"updated_at"`
}

type TxStatus string

const (
	TxStatusInitiated  TxStatus = "initiated"
	TxStatusLocked     TxStatus = "locked"
	TxStatusCollecting TxStatus = "signatures_collecting"
	TxStatusSigned     TxStatus = "signed"
	TxStatusCompleted  TxStatus = "completed"
	TxStatusTimedOut   TxStatus = "timed_out"
	TxStatusRefunded   TxStatus = "refunded"
	TxStatusHalted     TxStatus = "halted"
)

// TransferDirection distinguishes lock->mint flows from burn->unlock flows.
type TransferDirection string

const (
	DirectionLock TransferDirection = "lock"
	DirectionBurn TransferDirection = "burn"
)

// HasSigner reports whether the transaction already carries a signature
// from the given validator. Validator ids are unique within a transaction.
func (t *BridgeTransaction) HasSigner(validatorID string) bool {
	for _, s := range t.Signatures {
		if s.ValidatorID == validatorID {
			return true
		}
	}
	return false
}
