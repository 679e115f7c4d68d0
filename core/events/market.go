package events

import (
	"floorlend/crypto"
)

const (
	TypeMarketPoolCreated   = "market.pool_created"
	TypeMarketLendingOpened = "market.lending_opened"
)

// MarketPoolCreated is emitted once a pool is seeded and its harvester bound.
type MarketPoolCreated struct {
	PoolID    string
	Token     string
	Quote     string
	Pool      crypto.Address
	Harvester crypto.Address
	Treasury  crypto.Address
}

func (MarketPoolCreated) EventType() string { return TypeMarketPoolCreated }

func (e MarketPoolCreated) Event() *Record {
	return &Record{
		Type: TypeMarketPoolCreated,
		Attributes: map[string]string{
			"poolId":    e.PoolID,
			"token":     normalizeAsset(e.Token),
			"quote":     normalizeAsset(e.Quote),
			"pool":      addressString(e.Pool),
			"harvester": addressString(e.Harvester),
			"treasury":  addressString(e.Treasury),
		},
	}
}

// MarketLendingOpened is emitted when a collateral ledger is bound to a pool.
type MarketLendingOpened struct {
	PoolID string
	Ledger crypto.Address
}

func (MarketLendingOpened) EventType() string { return TypeMarketLendingOpened }

func (e MarketLendingOpened) Event() *Record {
	return &Record{
		Type: TypeMarketLendingOpened,
		Attributes: map[string]string{
			"poolId": e.PoolID,
			"ledger": addressString(e.Ledger),
		},
	}
}
