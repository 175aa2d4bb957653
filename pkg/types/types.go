// Package types holds the small value types shared between pkg/contractclient
// and pkg/txlistener — kept separate from internal/store so the chain-facing
// packages never import gorm models directly.
package types

// SendKind distinguishes how a contract call should be broadcast.
type SendKind int

const (
	// Standard submits a signed legacy transaction and returns immediately.
	Standard SendKind = iota
	// WaitForReceipt submits and blocks until the transaction is mined or the
	// send's deadline passes.
	WaitForReceipt
)

// TxReceipt mirrors the fields of go-ethereum's receipt that callers need,
// using string-encoded big integers so receipts round-trip cleanly through
// JSON logs and webhook payloads without losing precision.
type TxReceipt struct {
	TxHash            string `json:"txHash"`
	BlockNumber       string `json:"blockNumber"`
	BlockHash         string `json:"blockHash"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	Status            string `json:"status"` // "0x1" success, "0x0" reverted
}

// Succeeded reports whether the receipt indicates a non-reverted transaction.
func (r *TxReceipt) Succeeded() bool {
	return r != nil && r.Status == "0x1"
}

// DecodedCall is the result of decoding a transaction's input data against an ABI.
type DecodedCall struct {
	MethodName string                 `json:"methodName"`
	Parameter  map[string]interface{} `json:"parameter"`
}

// DecodedEvent is a single parsed log entry from a transaction receipt.
type DecodedEvent struct {
	EventName string                 `json:"EventName"`
	Parameter map[string]interface{} `json:"Parameter"`
}
