package market

import (
	"math/big"

	"floorlend/crypto"
	"floorlend/native/amm"
	"floorlend/native/harvest"
	"floorlend/native/lending"
)

// Options configures the shared liquidity pool and every ledger the
// registry opens.
type Options struct {
	// Quote is the asset every pool trades against and the liquidity pool
	// lends.
	Quote            string
	InterestModel    *lending.InterestModel
	ReserveFactorBps uint64
	Ledger           lending.Params
	// MaxHarvestBps applies to pools created without their own cap.
	MaxHarvestBps uint64
}

// PoolParams describes a pool to seed. The quote side is always the
// registry's quote asset.
type PoolParams struct {
	ID                string
	Token             string
	TokenAmount       *big.Int
	QuoteAmount       *big.Int
	StartFeeBps       uint64
	EndFeeBps         uint64
	DecayTargetBurned *big.Int
	MaxHarvestBps     uint64
	Treasury          crypto.Address
}

// LaunchParams registers a new collateral token, mints its whole supply to
// the funder, seals it and opens a pool with a lending market for it.
type LaunchParams struct {
	Symbol   string
	Name     string
	Decimals uint8
	Supply   *big.Int
	Pool     PoolParams
}

// PoolRecord is what the registry persists per pool; enough to rebuild the
// engines after a restart.
type PoolRecord struct {
	ID       string
	Token    string
	Quote    string
	Treasury crypto.Address
	Lending  bool
}

// Market groups the engines serving one pool. Ledger is nil until a lending
// market is opened.
type Market struct {
	Record    PoolRecord
	Pool      *amm.Engine
	Harvester *harvest.Harvester
	Ledger    *lending.Ledger
}
