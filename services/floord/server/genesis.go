package server

import (
	"fmt"

	"floorlend/config"
)

// Bootstrapped reports whether the quote asset has been registered, i.e.
// genesis already ran against this state.
func (s *Server) Bootstrapped() bool {
	return s.state.TokenExists(s.registry.Quote())
}

// ApplyGenesis seeds an empty state as one transaction: it registers the
// quote asset, mints the configured balances, seals the quote so it has no
// further issuance, launches every configured token and supplies the
// liquidity pool.
func (s *Server) ApplyGenesis(quote config.QuoteConfig, plan *config.GenesisPlan) error {
	if s.Bootstrapped() {
		return fmt.Errorf("floord: genesis already applied")
	}
	return s.sequencer.Submit(func(uint64) error {
		symbol := s.registry.Quote()
		if err := s.bank.Register(symbol, quote.Name, quote.Decimals); err != nil {
			return fmt.Errorf("register quote: %w", err)
		}
		if plan == nil {
			plan = &config.GenesisPlan{}
		}
		for _, alloc := range plan.Balances {
			if err := s.bank.Mint(symbol, alloc.Address, alloc.Amount); err != nil {
				return fmt.Errorf("mint %s to %s: %w", symbol, alloc.Address, err)
			}
		}
		if err := s.bank.Seal(symbol); err != nil {
			return fmt.Errorf("seal quote: %w", err)
		}
		for _, launch := range plan.Launches {
			if _, err := s.registry.LaunchToken(plan.Funder, launch); err != nil {
				return fmt.Errorf("launch %s: %w", launch.Symbol, err)
			}
		}
		for _, alloc := range plan.Supply {
			if _, err := s.registry.Liquidity().Deposit(alloc.Address, alloc.Amount, alloc.Address); err != nil {
				return fmt.Errorf("supply from %s: %w", alloc.Address, err)
			}
		}
		return nil
	})
}
