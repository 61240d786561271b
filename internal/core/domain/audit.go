package domain

// GovernorAction is a governance transition recorded for audit.
type GovernorAction string

const (
	ActionHalt   GovernorAction = "halt"
	ActionResume GovernorAction = "resume"
)

// AuditRecord captures one governor transition: the validator set it was
// evaluated against, the signatures that carried it, and when it took effect.
type AuditRecord struct {
	ID         string               `json:"id"`
	Action     GovernorAction       `json:"action"`
	Nonce      uint64               `json:"nonce"`
	Validators []string             `json:"validators"`
	Signatures []ValidatorSignature `json:"signatures"`
	Timestamp  int64                `json:"timestamp"`
}
