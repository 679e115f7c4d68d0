package events

import (
	"math/big"

	"floorlend/crypto"
)

const (
	// TypeTokenSupply is emitted whenever a token supply changes.
	TypeTokenSupply = "token.supply"
	// TypeTokenTransfer is emitted for every ledger transfer.
	TypeTokenTransfer = "token.transfer"

	// SupplyReasonMint identifies mint driven supply increases.
	SupplyReasonMint = "mint"
	// SupplyReasonBurn identifies burn driven supply decreases.
	SupplyReasonBurn = "burn"
)

// TokenSupply captures a supply delta for a fungible token.
type TokenSupply struct {
	Token  string
	Total  *big.Int
	Delta  *big.Int
	Reason string
}

func (TokenSupply) EventType() string { return TypeTokenSupply }

// Event renders the structured supply change event for downstream consumers.
func (e TokenSupply) Event() *Record {
	attrs := map[string]string{}
	token := normalizeAsset(e.Token)
	if token == "" {
		token = "UNKNOWN"
	}
	attrs["token"] = token
	attrs["total"] = amountString(e.Total)
	if e.Delta != nil {
		attrs["delta"] = e.Delta.String()
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &Record{Type: TypeTokenSupply, Attributes: attrs}
}

type TokenTransfer struct {
	Token  string
	From   crypto.Address
	To     crypto.Address
	Amount *big.Int
}

func (TokenTransfer) EventType() string { return TypeTokenTransfer }

func (e TokenTransfer) Event() *Record {
	return &Record{
		Type: TypeTokenTransfer,
		Attributes: map[string]string{
			"token":  normalizeAsset(e.Token),
			"from":   addressString(e.From),
			"to":     addressString(e.To),
			"amount": amountString(e.Amount),
		},
	}
}
