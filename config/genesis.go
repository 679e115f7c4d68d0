package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"floorlend/crypto"
	"floorlend/native/lending"
	"floorlend/native/market"
)

// GenesisConfig seeds an empty state: quote balances, liquidity pool
// deposits and token launches funded by Funder.
type GenesisConfig struct {
	Funder   string          `toml:"funder" yaml:"funder"`
	Balances []BalanceConfig `toml:"balances" yaml:"balances"`
	Supply   []BalanceConfig `toml:"supply" yaml:"supply"`
	Launches []LaunchConfig  `toml:"launches" yaml:"launches"`
}

// BalanceConfig pairs a bech32 address with a decimal base-unit amount.
type BalanceConfig struct {
	Address string `toml:"address" yaml:"address"`
	Amount  string `toml:"amount" yaml:"amount"`
}

// LaunchConfig describes a collateral token and the pool opened for it.
type LaunchConfig struct {
	Symbol        string `toml:"symbol" yaml:"symbol"`
	Name          string `toml:"name" yaml:"name"`
	Decimals      uint8  `toml:"decimals" yaml:"decimals"`
	Supply        string `toml:"supply" yaml:"supply"`
	PoolID        string `toml:"pool_id" yaml:"pool_id"`
	TokenAmount   string `toml:"token_amount" yaml:"token_amount"`
	QuoteAmount   string `toml:"quote_amount" yaml:"quote_amount"`
	StartFeeBps   uint64 `toml:"start_fee_bps" yaml:"start_fee_bps"`
	EndFeeBps     uint64 `toml:"end_fee_bps" yaml:"end_fee_bps"`
	DecayTarget   string `toml:"decay_target" yaml:"decay_target"`
	MaxHarvestBps uint64 `toml:"max_harvest_bps" yaml:"max_harvest_bps"`
	Treasury      string `toml:"treasury" yaml:"treasury"`
}

// Allocation is a parsed BalanceConfig.
type Allocation struct {
	Address crypto.Address
	Amount  *big.Int
}

// GenesisPlan is the parsed form of GenesisConfig.
type GenesisPlan struct {
	Funder   crypto.Address
	Balances []Allocation
	Supply   []Allocation
	Launches []market.LaunchParams
}

// Empty reports whether the plan seeds nothing.
func (p *GenesisPlan) Empty() bool {
	return p == nil || (len(p.Balances) == 0 && len(p.Supply) == 0 && len(p.Launches) == 0)
}

func (g *GenesisConfig) normalize() {
	g.Funder = strings.TrimSpace(g.Funder)
	for i := range g.Balances {
		g.Balances[i].normalize()
	}
	for i := range g.Supply {
		g.Supply[i].normalize()
	}
	for i := range g.Launches {
		l := &g.Launches[i]
		l.Symbol = strings.ToUpper(strings.TrimSpace(l.Symbol))
		l.Name = strings.TrimSpace(l.Name)
		if l.Name == "" {
			l.Name = l.Symbol
		}
		l.PoolID = strings.TrimSpace(l.PoolID)
		if l.PoolID == "" {
			l.PoolID = strings.ToLower(l.Symbol)
		}
		l.Supply = strings.TrimSpace(l.Supply)
		l.TokenAmount = strings.TrimSpace(l.TokenAmount)
		l.QuoteAmount = strings.TrimSpace(l.QuoteAmount)
		l.DecayTarget = strings.TrimSpace(l.DecayTarget)
		l.Treasury = strings.TrimSpace(l.Treasury)
	}
}

func (b *BalanceConfig) normalize() {
	b.Address = strings.TrimSpace(b.Address)
	b.Amount = strings.TrimSpace(b.Amount)
}

func (g *GenesisConfig) validate(quote string) error {
	plan, err := g.Plan()
	if err != nil {
		return err
	}
	if len(plan.Launches) > 0 && plan.Funder.IsZero() {
		return fmt.Errorf("funder required for launches")
	}
	seen := make(map[string]struct{}, len(plan.Launches))
	for _, launch := range plan.Launches {
		if launch.Symbol == quote {
			return fmt.Errorf("launch %s: symbol collides with the quote asset", launch.Symbol)
		}
		id, err := market.NormalizePoolID(launch.Pool.ID)
		if err != nil {
			return fmt.Errorf("launch %s: %w", launch.Symbol, err)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("launch %s: duplicate pool id %q", launch.Symbol, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Plan parses addresses and amounts.
func (g GenesisConfig) Plan() (*GenesisPlan, error) {
	plan := &GenesisPlan{}
	if g.Funder != "" {
		funder, err := crypto.DecodeAddress(g.Funder)
		if err != nil {
			return nil, fmt.Errorf("funder: %w", err)
		}
		plan.Funder = funder
	}
	var err error
	if plan.Balances, err = parseAllocations("balances", g.Balances); err != nil {
		return nil, err
	}
	if plan.Supply, err = parseAllocations("supply", g.Supply); err != nil {
		return nil, err
	}
	for _, l := range g.Launches {
		launch, err := l.params()
		if err != nil {
			return nil, fmt.Errorf("launch %s: %w", l.Symbol, err)
		}
		plan.Launches = append(plan.Launches, launch)
	}
	return plan, nil
}

func (l LaunchConfig) params() (market.LaunchParams, error) {
	if l.Symbol == "" {
		return market.LaunchParams{}, fmt.Errorf("symbol required")
	}
	supply, err := parseUintAmount(l.Supply)
	if err != nil {
		return market.LaunchParams{}, fmt.Errorf("supply: %w", err)
	}
	tokenAmount, err := parseUintAmount(l.TokenAmount)
	if err != nil {
		return market.LaunchParams{}, fmt.Errorf("token_amount: %w", err)
	}
	quoteAmount, err := parseUintAmount(l.QuoteAmount)
	if err != nil {
		return market.LaunchParams{}, fmt.Errorf("quote_amount: %w", err)
	}
	var target *big.Int
	if l.DecayTarget != "" {
		if target, err = parseUintAmount(l.DecayTarget); err != nil {
			return market.LaunchParams{}, fmt.Errorf("decay_target: %w", err)
		}
	}
	treasury, err := crypto.DecodeAddress(l.Treasury)
	if err != nil {
		return market.LaunchParams{}, fmt.Errorf("treasury: %w", err)
	}
	return market.LaunchParams{
		Symbol:   l.Symbol,
		Name:     l.Name,
		Decimals: l.Decimals,
		Supply:   supply,
		Pool: market.PoolParams{
			ID:                l.PoolID,
			TokenAmount:       tokenAmount,
			QuoteAmount:       quoteAmount,
			StartFeeBps:       l.StartFeeBps,
			EndFeeBps:         l.EndFeeBps,
			DecayTargetBurned: target,
			MaxHarvestBps:     l.MaxHarvestBps,
			Treasury:          treasury,
		},
	}, nil
}

func parseAllocations(section string, in []BalanceConfig) ([]Allocation, error) {
	out := make([]Allocation, 0, len(in))
	for i, entry := range in {
		addr, err := crypto.DecodeAddress(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		amount, err := parseUintAmount(entry.Amount)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", section, i, err)
		}
		out = append(out, Allocation{Address: addr, Amount: amount})
	}
	return out, nil
}

func parseUintAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// InterestModel builds the liquidity pool's rate curve.
func (cfg *Config) InterestModel() *lending.InterestModel {
	i := cfg.Interest
	return lending.NewInterestModel(i.BaseRate, i.Slope1, i.Slope2, i.Kink)
}

// MarketOptions converts the lending and interest sections into registry
// options.
func (cfg *Config) MarketOptions() (market.Options, error) {
	grace, err := cfg.Grace()
	if err != nil {
		return market.Options{}, err
	}
	return market.Options{
		Quote:            cfg.Quote.Asset,
		InterestModel:    cfg.InterestModel(),
		ReserveFactorBps: cfg.Interest.ReserveFactorBps,
		Ledger: lending.Params{
			GracePeriod:       uint64(grace / time.Second),
			RecoveryBountyBps: cfg.Lending.RecoveryBountyBps,
		},
		MaxHarvestBps: cfg.Lending.MaxHarvestBps,
	}, nil
}
