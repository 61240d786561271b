package domain

// AlgorithmTag identifies the signature scheme a validator signs with.
// Each validator registers exactly one active algorithm; signatures carrying
// an unknown tag are discarded during verification.
type AlgorithmTag string

const (
	AlgMLDSA44 AlgorithmTag = "ml-dsa-44"
	AlgMLDSA65 AlgorithmTag = "ml-dsa-65"
	AlgMLDSA87 AlgorithmTag = "ml-dsa-87"
)

// ValidatorSignature is a single validator's signature over a canonical
// cross-chain payload hash.
type ValidatorSignature struct {
	ValidatorID string       `json:"validator_id"`
	Algorithm   AlgorithmTag `json:"algorithm"`
	Signature   []byte       `json:"signature"`
	PayloadHash []byte       `json:"payload_hash"`
}

// Validator is an entry of the active validator set.
type Validator struct {
	ID        string       `json:"id"`
	PubKey    []byte       `json:"pubkey"`
	Algorithm AlgorithmTag `json:"algorithm"`
}
