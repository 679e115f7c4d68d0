package events

import (
	"math/big"

	"floorlend/crypto"
)

const TypeFeesHarvested = "harvest.fees"

// FeesHarvested reports the outcome of a harvest that found excess liquidity.
type FeesHarvested struct {
	PoolID         string
	Caller         crypto.Address
	Liquidity      *big.Int
	TokenBurned    *big.Int
	QuoteForwarded *big.Int
	Treasury       crypto.Address
}

func (FeesHarvested) EventType() string { return TypeFeesHarvested }

func (e FeesHarvested) Event() *Record {
	return &Record{
		Type: TypeFeesHarvested,
		Attributes: map[string]string{
			"poolId":         e.PoolID,
			"caller":         addressString(e.Caller),
			"liquidity":      amountString(e.Liquidity),
			"tokenBurned":    amountString(e.TokenBurned),
			"quoteForwarded": amountString(e.QuoteForwarded),
			"treasury":       addressString(e.Treasury),
		},
	}
}
