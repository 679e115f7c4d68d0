package server

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"floorlend/crypto"
	"floorlend/native/lending"
	"floorlend/native/market"
)

type txResponse struct {
	BlockTime uint64            `json:"block_time"`
	Result    map[string]string `json:"result,omitempty"`
}

// submit decodes req, runs fn as one transaction and writes its result.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, op string, req any, fn func(ts uint64) (map[string]string, error)) {
	if err := decodeRequest(r, req); err != nil {
		s.writeError(w, r, op, err)
		return
	}
	var (
		result map[string]string
		block  uint64
	)
	err := s.sequencer.Submit(func(ts uint64) error {
		block = ts
		var err error
		result, err = fn(ts)
		return err
	})
	if err != nil {
		s.writeError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{BlockTime: block, Result: result})
}

type accountAmountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// accountAmount parses a request whose account must be the signed caller.
func (s *Server) accountAmount(r *http.Request, req accountAmountRequest) (crypto.Address, *big.Int, error) {
	account, err := s.actingAccount(r, "account", req.Account)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	return account, amount, nil
}

func (s *Server) ledger(r *http.Request) (*lending.Ledger, error) {
	return s.registry.Ledger(chi.URLParam(r, "id"))
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset  string `json:"asset"`
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	s.submit(w, r, "transfer", &req, func(uint64) (map[string]string, error) {
		from, err := s.actingAccount(r, "from", req.From)
		if err != nil {
			return nil, err
		}
		to, err := parseAddress("to", req.To)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		if err := s.bank.Transfer(strings.ToUpper(strings.TrimSpace(req.Asset)), from, to, amount); err != nil {
			return nil, err
		}
		return map[string]string{"amount": amount.String()}, nil
	})
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trader   string `json:"trader"`
		AssetIn  string `json:"asset_in"`
		AmountIn string `json:"amount_in"`
		MinOut   string `json:"min_out"`
	}
	s.submit(w, r, "swap", &req, func(uint64) (map[string]string, error) {
		trader, err := s.actingAccount(r, "trader", req.Trader)
		if err != nil {
			return nil, err
		}
		amountIn, err := parseAmount("amount_in", req.AmountIn)
		if err != nil {
			return nil, err
		}
		minOut := big.NewInt(0)
		if strings.TrimSpace(req.MinOut) != "" {
			if minOut, err = parseAmount("min_out", req.MinOut); err != nil {
				return nil, err
			}
		}
		m, err := s.registry.Get(chi.URLParam(r, "id"))
		if err != nil {
			return nil, err
		}
		out, err := m.Pool.SwapExactIn(trader, strings.ToUpper(strings.TrimSpace(req.AssetIn)), amountIn, minOut)
		if err != nil {
			return nil, err
		}
		return map[string]string{"amount_out": out.String()}, nil
	})
}

func (s *Server) harvest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	s.submit(w, r, "harvest", &req, func(uint64) (map[string]string, error) {
		caller, err := s.actingAccount(r, "caller", req.Caller)
		if err != nil {
			return nil, err
		}
		result, err := s.registry.Harvest(chi.URLParam(r, "id"), caller)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"liquidity":       result.Liquidity.String(),
			"token_burned":    result.TokenBurned.String(),
			"quote_forwarded": result.QuoteForwarded.String(),
			"deferred":        fmt.Sprint(result.Deferred),
		}, nil
	})
}

func (s *Server) depositCollateral(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	s.submit(w, r, "deposit_collateral", &req, func(uint64) (map[string]string, error) {
		account, amount, err := s.accountAmount(r, req)
		if err != nil {
			return nil, err
		}
		ledger, err := s.ledger(r)
		if err != nil {
			return nil, err
		}
		return nil, ledger.DepositCollateral(account, amount)
	})
}

func (s *Server) withdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	s.submit(w, r, "withdraw_collateral", &req, func(uint64) (map[string]string, error) {
		account, amount, err := s.accountAmount(r, req)
		if err != nil {
			return nil, err
		}
		ledger, err := s.ledger(r)
		if err != nil {
			return nil, err
		}
		return nil, ledger.WithdrawCollateral(account, amount)
	})
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	s.submit(w, r, "borrow", &req, func(uint64) (map[string]string, error) {
		account, amount, err := s.accountAmount(r, req)
		if err != nil {
			return nil, err
		}
		ledger, err := s.ledger(r)
		if err != nil {
			return nil, err
		}
		return nil, ledger.Borrow(account, amount)
	})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payer   string `json:"payer"`
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	s.submit(w, r, "repay", &req, func(uint64) (map[string]string, error) {
		account, err := parseAddress("account", req.Account)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		payer, err := s.actingAccount(r, "payer", req.Payer)
		if err != nil {
			return nil, err
		}
		ledger, err := s.ledger(r)
		if err != nil {
			return nil, err
		}
		paid, err := ledger.Repay(payer, account, amount)
		if err != nil {
			return nil, err
		}
		return map[string]string{"paid": paid.String()}, nil
	})
}

type callerAccountRequest struct {
	Caller  string `json:"caller"`
	Account string `json:"account"`
}

// callerAccount parses a keeper request: the caller is the signer and the
// account may be anyone's.
func (s *Server) callerAccount(r *http.Request, req callerAccountRequest) (crypto.Address, crypto.Address, error) {
	caller, err := s.actingAccount(r, "caller", req.Caller)
	if err != nil {
		return crypto.Address{}, crypto.Address{}, err
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return crypto.Address{}, crypto.Address{}, err
	}
	return caller, account, nil
}

func (s *Server) poke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
	}
	s.submit(w, r, "poke", &req, func(uint64) (map[string]string, error) {
		account, err := parseAddress("account", req.Account)
		if err != nil {
			return nil, err
		}
		ledger, err := s.ledger(r)
		if err != nil {
			return nil, err
		}
		healthy, err := ledger.Poke(account)
		if err != nil {
			return nil, err
		}
		return map[string]string{"healthy": fmt.Sprint(healthy)}, nil
	})
}

func (s *Server) mark(w http.ResponseWriter, r *http.Request) {
	var req callerAccountRequest
	s.submit(w, r, "mark", &req, func(uint64) (map[string]string, error) {
		caller, account, err := s.callerAccount(r, req)
		if err != nil {
			return nil, err
		}
		ledger, err := s.ledger(r)
		if err != nil {
			return nil, err
		}
		return nil, ledger.MarkOTM(caller, account)
	})
}

func (s *Server) recoverPosition(w http.ResponseWriter, r *http.Request) {
	var req callerAccountRequest
	s.submit(w, r, "recover", &req, func(uint64) (map[string]string, error) {
		caller, account, err := s.callerAccount(r, req)
		if err != nil {
			return nil, err
		}
		ledger, err := s.ledger(r)
		if err != nil {
			return nil, err
		}
		res, err := ledger.Recover(caller, account)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"collateral": res.Collateral.String(),
			"proceeds":   res.Proceeds.String(),
			"bounty":     res.Bounty.String(),
			"repaid":     res.Repaid.String(),
			"shortfall":  res.Shortfall.String(),
			"refund":     res.Refund.String(),
		}, nil
	})
}

func (s *Server) supply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From        string `json:"from"`
		Amount      string `json:"amount"`
		Beneficiary string `json:"beneficiary"`
	}
	s.submit(w, r, "liquidity_deposit", &req, func(uint64) (map[string]string, error) {
		from, err := s.actingAccount(r, "from", req.From)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		beneficiary := from
		if strings.TrimSpace(req.Beneficiary) != "" {
			if beneficiary, err = parseAddress("beneficiary", req.Beneficiary); err != nil {
				return nil, err
			}
		}
		shares, err := s.registry.Liquidity().Deposit(from, amount, beneficiary)
		if err != nil {
			return nil, err
		}
		return map[string]string{"shares": shares.String()}, nil
	})
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string `json:"owner"`
		Shares string `json:"shares"`
	}
	s.submit(w, r, "liquidity_withdraw", &req, func(uint64) (map[string]string, error) {
		owner, err := s.actingAccount(r, "owner", req.Owner)
		if err != nil {
			return nil, err
		}
		shares, err := parseAmount("shares", req.Shares)
		if err != nil {
			return nil, err
		}
		amount, err := s.registry.Liquidity().Withdraw(owner, shares)
		if err != nil {
			return nil, err
		}
		return map[string]string{"amount": amount.String()}, nil
	})
}

type poolRequest struct {
	ID            string `json:"id"`
	Token         string `json:"token"`
	TokenAmount   string `json:"token_amount"`
	QuoteAmount   string `json:"quote_amount"`
	StartFeeBps   uint64 `json:"start_fee_bps"`
	EndFeeBps     uint64 `json:"end_fee_bps"`
	DecayTarget   string `json:"decay_target"`
	MaxHarvestBps uint64 `json:"max_harvest_bps"`
	Treasury      string `json:"treasury"`
}

func (req poolRequest) params() (market.PoolParams, error) {
	tokenAmount, err := parseAmount("token_amount", req.TokenAmount)
	if err != nil {
		return market.PoolParams{}, err
	}
	quoteAmount, err := parseAmount("quote_amount", req.QuoteAmount)
	if err != nil {
		return market.PoolParams{}, err
	}
	var target *big.Int
	if strings.TrimSpace(req.DecayTarget) != "" {
		if target, err = parseAmount("decay_target", req.DecayTarget); err != nil {
			return market.PoolParams{}, err
		}
	}
	treasury, err := parseAddress("treasury", req.Treasury)
	if err != nil {
		return market.PoolParams{}, err
	}
	return market.PoolParams{
		ID:                req.ID,
		Token:             req.Token,
		TokenAmount:       tokenAmount,
		QuoteAmount:       quoteAmount,
		StartFeeBps:       req.StartFeeBps,
		EndFeeBps:         req.EndFeeBps,
		DecayTargetBurned: target,
		MaxHarvestBps:     req.MaxHarvestBps,
		Treasury:          treasury,
	}, nil
}

func marketResult(m *market.Market) map[string]string {
	out := map[string]string{
		"id":        m.Record.ID,
		"token":     m.Record.Token,
		"pool":      m.Pool.Address().String(),
		"harvester": m.Harvester.Address().String(),
	}
	if m.Ledger != nil {
		out["ledger"] = m.Ledger.Address().String()
	}
	return out
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Funder   string      `json:"funder"`
		Symbol   string      `json:"symbol"`
		Name     string      `json:"name"`
		Decimals uint8       `json:"decimals"`
		Supply   string      `json:"supply"`
		Pool     poolRequest `json:"pool"`
	}
	s.submit(w, r, "launch", &req, func(uint64) (map[string]string, error) {
		funder, err := s.actingAccount(r, "funder", req.Funder)
		if err != nil {
			return nil, err
		}
		supply, err := parseAmount("supply", req.Supply)
		if err != nil {
			return nil, err
		}
		pool, err := req.Pool.params()
		if err != nil {
			return nil, err
		}
		m, err := s.registry.LaunchToken(funder, market.LaunchParams{
			Symbol:   req.Symbol,
			Name:     req.Name,
			Decimals: req.Decimals,
			Supply:   supply,
			Pool:     pool,
		})
		if err != nil {
			return nil, err
		}
		return marketResult(m), nil
	})
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Funder string `json:"funder"`
		poolRequest
	}
	s.submit(w, r, "create_pool", &req, func(uint64) (map[string]string, error) {
		funder, err := s.actingAccount(r, "funder", req.Funder)
		if err != nil {
			return nil, err
		}
		params, err := req.poolRequest.params()
		if err != nil {
			return nil, err
		}
		m, err := s.registry.CreatePool(funder, params)
		if err != nil {
			return nil, err
		}
		return marketResult(m), nil
	})
}

func (s *Server) openLending(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	s.submit(w, r, "open_lending", &req, func(uint64) (map[string]string, error) {
		m, err := s.registry.CreateLendingMarket(chi.URLParam(r, "id"))
		if err != nil {
			return nil, err
		}
		return marketResult(m), nil
	})
}

// pausableModules are the module names the engines check before mutating.
var pausableModules = map[string]struct{}{
	"amm":     {},
	"harvest": {},
	"lending": {},
	"market":  {},
}

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Module string `json:"module"`
		Paused bool   `json:"paused"`
	}
	s.submit(w, r, "pause", &req, func(uint64) (map[string]string, error) {
		module := strings.ToLower(strings.TrimSpace(req.Module))
		if _, ok := pausableModules[module]; !ok {
			return nil, fmt.Errorf("%w: unknown module %q", errBadRequest, req.Module)
		}
		s.pauses[module] = req.Paused
		return map[string]string{"module": module, "paused": fmt.Sprint(req.Paused)}, nil
	})
}
