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

type poolView struct {
	ID              string `json:"id"`
	Token           string `json:"token"`
	Quote           string `json:"quote"`
	Address         string `json:"address"`
	Harvester       string `json:"harvester"`
	Treasury        string `json:"treasury"`
	Lending         bool   `json:"lending"`
	Ledger          string `json:"ledger,omitempty"`
	TokenReserve    string `json:"token_reserve"`
	QuoteReserve    string `json:"quote_reserve"`
	TokenSupply     string `json:"token_supply"`
	InitialSupply   string `json:"initial_supply"`
	FeeBps          uint64 `json:"fee_bps"`
	PMin            string `json:"pmin"`
	SpotPrice       string `json:"spot_price"`
	LiquiditySupply string `json:"liquidity_supply"`
	Principal       string `json:"harvester_principal"`
	BlockTime       uint64 `json:"block_time"`
}

type positionView struct {
	Pool           string `json:"pool"`
	Account        string `json:"account"`
	Collateral     string `json:"collateral"`
	Principal      string `json:"principal"`
	Interest       string `json:"interest"`
	Debt           string `json:"debt"`
	Healthy        bool   `json:"healthy"`
	LastHealthy    uint64 `json:"last_healthy"`
	MarkedAt       uint64 `json:"marked_at"`
	RecoverableAt  uint64 `json:"recoverable_at"`
	Recoverable    bool   `json:"recoverable"`
	BorrowFloor    string `json:"borrow_floor"`
	BorrowCapacity string `json:"borrow_capacity"`
}

type liquidityView struct {
	Asset        string   `json:"asset"`
	Address      string   `json:"address"`
	Cash         string   `json:"cash"`
	TotalBorrows string   `json:"total_borrows"`
	TotalAssets  string   `json:"total_assets"`
	Reserves     string   `json:"reserves"`
	TotalShares  string   `json:"total_shares"`
	BadDebt      string   `json:"bad_debt"`
	BorrowIndex  string   `json:"borrow_index"`
	BorrowRate   string   `json:"borrow_rate"`
	SupplyRate   string   `json:"supply_rate"`
	Borrowers    []string `json:"borrowers"`
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if trimmed == "" || !ok {
		return nil, fmt.Errorf("%w: invalid %s %q", errBadRequest, field, value)
	}
	return amount, nil
}

func parseAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: invalid %s: %v", errBadRequest, field, err)
	}
	return addr, nil
}

func (s *Server) describePool(m *market.Market) (*poolView, error) {
	pool, err := m.Pool.Pool()
	if err != nil {
		return nil, err
	}
	supply, err := m.Pool.CurrentSupply()
	if err != nil {
		return nil, err
	}
	fee, err := m.Pool.CurrentFee()
	if err != nil {
		return nil, err
	}
	pMin, err := m.Pool.PMin()
	if err != nil {
		return nil, err
	}
	spot, err := m.Pool.SpotPrice()
	if err != nil {
		return nil, err
	}
	principal, err := m.Harvester.Principal()
	if err != nil {
		return nil, err
	}
	view := &poolView{
		ID:              m.Record.ID,
		Token:           pool.Token,
		Quote:           pool.Quote,
		Address:         pool.Address.String(),
		Harvester:       pool.Harvester.String(),
		Treasury:        m.Harvester.Treasury().String(),
		Lending:         m.Ledger != nil,
		TokenReserve:    amountString(pool.Reserve0),
		QuoteReserve:    amountString(pool.Reserve1),
		TokenSupply:     amountString(supply),
		InitialSupply:   amountString(pool.InitialSupply),
		FeeBps:          fee,
		PMin:            amountString(pMin),
		SpotPrice:       amountString(spot),
		LiquiditySupply: amountString(pool.LiquiditySupply),
		Principal:       amountString(principal),
		BlockTime:       s.registry.BlockTime(),
	}
	if m.Ledger != nil {
		view.Ledger = m.Ledger.Address().String()
	}
	return view, nil
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	var views []*poolView
	err := s.sequencer.View(func(uint64) error {
		views = make([]*poolView, 0, len(s.registry.Markets()))
		for _, m := range s.registry.Markets() {
			view, err := s.describePool(m)
			if err != nil {
				return err
			}
			views = append(views, view)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, "list_pools", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": views})
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	var view *poolView
	err := s.sequencer.View(func(uint64) error {
		m, err := s.registry.Get(chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		view, err = s.describePool(m)
		return err
	})
	if err != nil {
		s.writeError(w, r, "get_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	amountIn, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, r, "quote", err)
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("asset")))
	var out *big.Int
	err = s.sequencer.View(func(uint64) error {
		m, err := s.registry.Get(chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		out, err = m.Pool.QuoteOut(asset, amountIn)
		return err
	})
	if err != nil {
		s.writeError(w, r, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset_in": asset, "amount_in": amountIn.String(), "amount_out": out.String()})
}

func toPositionView(pool string, p *lending.PositionView) *positionView {
	return &positionView{
		Pool:           pool,
		Account:        p.Account.String(),
		Collateral:     amountString(p.Collateral),
		Principal:      amountString(p.Principal),
		Interest:       amountString(p.Interest),
		Debt:           amountString(p.Debt),
		Healthy:        p.Healthy,
		LastHealthy:    p.LastHealthy,
		MarkedAt:       p.MarkedAt,
		RecoverableAt:  p.RecoverableAt,
		Recoverable:    p.Recoverable,
		BorrowFloor:    amountString(p.BorrowFloor),
		BorrowCapacity: amountString(p.BorrowCapacity),
	}
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, "get_position", err)
		return
	}
	var view *positionView
	err = s.sequencer.View(func(uint64) error {
		ledger, err := s.registry.Ledger(chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		pos, err := ledger.Position(account)
		if err != nil {
			return err
		}
		view = toPositionView(ledger.PoolID(), pos)
		return nil
	})
	if err != nil {
		s.writeError(w, r, "get_position", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	var views []*positionView
	err := s.sequencer.View(func(uint64) error {
		ledger, err := s.registry.Ledger(chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		accounts, err := ledger.Accounts()
		if err != nil {
			return err
		}
		views = make([]*positionView, 0, len(accounts))
		for _, account := range accounts {
			pos, err := ledger.Position(account)
			if err != nil {
				return err
			}
			views = append(views, toPositionView(ledger.PoolID(), pos))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, "list_positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": views})
}

func (s *Server) getLiquidity(w http.ResponseWriter, r *http.Request) {
	var view *liquidityView
	err := s.sequencer.View(func(uint64) error {
		engine := s.registry.Liquidity()
		m, err := engine.Market()
		if err != nil {
			return err
		}
		borrowRate, err := engine.BorrowRate()
		if err != nil {
			return err
		}
		supplyRate, err := engine.SupplyRate()
		if err != nil {
			return err
		}
		view = &liquidityView{
			Asset:        engine.Asset(),
			Address:      engine.Address().String(),
			Cash:         amountString(m.Cash),
			TotalBorrows: amountString(m.TotalBorrows),
			TotalAssets:  amountString(m.TotalAssets()),
			Reserves:     amountString(m.Reserves),
			TotalShares:  amountString(m.TotalShares),
			BadDebt:      amountString(m.BadDebt),
			BorrowIndex:  amountString(m.BorrowIndex),
			BorrowRate:   borrowRate.FloatString(6),
			SupplyRate:   supplyRate.FloatString(6),
			Borrowers:    make([]string, 0, len(m.Borrowers)),
		}
		for _, b := range m.Borrowers {
			view.Borrowers = append(view.Borrowers, b.String())
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, "get_liquidity", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getShares(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, "get_shares", err)
		return
	}
	var shares *big.Int
	err = s.sequencer.View(func(uint64) error {
		shares, err = s.registry.Liquidity().SharesOf(account)
		return err
	})
	if err != nil {
		s.writeError(w, r, "get_shares", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.String(), "shares": shares.String()})
}

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, "get_balances", err)
		return
	}
	balances := map[string]string{}
	err = s.sequencer.View(func(uint64) error {
		symbols, err := s.state.TokenList()
		if err != nil {
			return err
		}
		for _, symbol := range symbols {
			bal, err := s.bank.BalanceOf(symbol, account)
			if err != nil {
				return err
			}
			balances[symbol] = bal.String()
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, "get_balances", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account.String(), "balances": balances})
}
