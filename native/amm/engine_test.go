package amm

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"floorlend/core/events"
	floorstate "floorlend/core/state"
	"floorlend/crypto"
	"floorlend/native/bank"
	nativecommon "floorlend/native/common"
	"floorlend/storage"
)

type testEnv struct {
	state     *floorstate.Manager
	bank      *bank.Ledger
	engine    *Engine
	recorder  *events.Recorder
	funder    crypto.Address
	trader    crypto.Address
	harvester crypto.Address
}

func newEnv(t *testing.T, supply, quoteFunds int64) *testEnv {
	t.Helper()
	manager := floorstate.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(manager)
	require.NoError(t, ledger.Register("FLR", "Floor", 18))
	require.NoError(t, ledger.Register("USD", "Dollar", 6))

	env := &testEnv{
		state:     manager,
		bank:      ledger,
		recorder:  &events.Recorder{},
		funder:    crypto.DeriveModuleAddress("test/funder"),
		trader:    crypto.DeriveModuleAddress("test/trader"),
		harvester: crypto.DeriveModuleAddress("test/harvester"),
	}
	require.NoError(t, ledger.Mint("FLR", env.funder, big.NewInt(supply)))
	require.NoError(t, ledger.Seal("FLR"))
	require.NoError(t, ledger.Mint("USD", env.funder, big.NewInt(quoteFunds)))
	require.NoError(t, ledger.Mint("USD", env.trader, big.NewInt(quoteFunds)))

	env.engine = NewEngine("1")
	env.engine.SetState(manager)
	env.engine.SetBank(ledger)
	env.engine.SetEmitter(env.recorder)
	return env
}

func (env *testEnv) seed(t *testing.T, tokenAmt, quoteAmt int64, start, end uint64, target int64) *big.Int {
	t.Helper()
	liquidity, err := env.engine.Seed(env.funder, SeedParams{
		Token:             "FLR",
		Quote:             "USD",
		Harvester:         env.harvester,
		TokenAmount:       big.NewInt(tokenAmt),
		QuoteAmount:       big.NewInt(quoteAmt),
		StartFeeBps:       start,
		EndFeeBps:         end,
		DecayTargetBurned: big.NewInt(target),
	})
	require.NoError(t, err)
	return liquidity
}

func (env *testEnv) balance(t *testing.T, symbol string, addr crypto.Address) *big.Int {
	t.Helper()
	bal, err := env.bank.BalanceOf(symbol, addr)
	require.NoError(t, err)
	return bal
}

func (env *testEnv) pMin(t *testing.T) *big.Int {
	t.Helper()
	p, err := env.engine.PMin()
	require.NoError(t, err)
	return p
}

func (env *testEnv) liquidity(t *testing.T, holder crypto.Address) *big.Int {
	t.Helper()
	held, err := env.engine.LiquidityBalance(holder)
	require.NoError(t, err)
	return held
}

func TestSeedMintsLockedMinimumAndHarvesterPrincipal(t *testing.T) {
	env := newEnv(t, 4_000_000, 4_000_000)
	liquidity := env.seed(t, 4_000_000, 1_000_000, 300, 30, 1_000)

	// sqrt(4e12) = 2e6
	require.Equal(t, "1999000", liquidity.String())
	sink, err := env.engine.LiquidityBalance(BurnSink)
	require.NoError(t, err)
	require.Equal(t, "1000", sink.String())
	held, err := env.engine.LiquidityBalance(env.harvester)
	require.NoError(t, err)
	require.Equal(t, liquidity, held)

	pool, err := env.engine.Pool()
	require.NoError(t, err)
	require.Equal(t, "2000000", pool.LiquiditySupply.String())
	require.Equal(t, "4000000", pool.InitialSupply.String())
	require.Equal(t, "4000000000000", pool.LastInvariant.String())
	require.Equal(t, uint64(DefaultMaxHarvestBps), pool.MaxHarvestBps)
	require.Equal(t, []crypto.Address{env.engine.Address(), env.harvester}, pool.Authorized)
	require.Len(t, env.recorder.OfType(events.TypePoolSeeded), 1)

	_, err = env.engine.Seed(env.funder, SeedParams{
		Token: "FLR", Quote: "USD", Harvester: env.harvester,
		TokenAmount: big.NewInt(1), QuoteAmount: big.NewInt(1),
	})
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestSeedValidation(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	base := SeedParams{
		Token: "FLR", Quote: "USD", Harvester: env.harvester,
		TokenAmount: big.NewInt(1_000_000), QuoteAmount: big.NewInt(1_000_000),
		StartFeeBps: 100, EndFeeBps: 50,
	}

	bad := base
	bad.EndFeeBps = 200
	_, err := env.engine.Seed(env.funder, bad)
	require.ErrorIs(t, err, ErrInvalidFeeCurve)

	bad = base
	bad.StartFeeBps, bad.EndFeeBps = 10_001, 0
	_, err = env.engine.Seed(env.funder, bad)
	require.ErrorIs(t, err, ErrInvalidFeeCurve)

	bad = base
	bad.TokenAmount, bad.QuoteAmount = big.NewInt(1_000), big.NewInt(1_000)
	_, err = env.engine.Seed(env.funder, bad)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	bad = base
	bad.Harvester = env.engine.Address()
	_, err = env.engine.Seed(env.funder, bad)
	require.ErrorIs(t, err, ErrInvalidRecipient)

	ok, err := env.engine.Initialized()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "1000000", env.balance(t, "FLR", env.funder).String())
}

func TestOperationsRequireInitialisedPool(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	_, err := env.engine.PMin()
	require.ErrorIs(t, err, ErrNotInitialized)
	err = env.engine.Swap(big.NewInt(1), nil, env.trader, nil)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestRoundTripFloorExample(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000)
	env.seed(t, 1_000_000, 10, 9900, 100, 100_000)

	fee, err := env.engine.CurrentFee()
	require.NoError(t, err)
	require.Equal(t, uint64(9900), fee)
	before := env.pMin(t)
	require.Equal(t, "9950000000000", before.String())

	// Buy 10% of the token reserve out of the pool.
	require.NoError(t, env.engine.Deposit("USD", env.trader, big.NewInt(112)))
	require.NoError(t, env.engine.Swap(big.NewInt(100_000), nil, env.trader, nil))
	require.Equal(t, "100000", env.balance(t, "FLR", env.trader).String())

	// Burning half the decay target moves the fee to the middle of the curve.
	require.NoError(t, env.bank.Burn("FLR", env.trader, big.NewInt(50_000)))
	fee, err = env.engine.CurrentFee()
	require.NoError(t, err)
	require.Equal(t, uint64(5000), fee)

	after := env.pMin(t)
	require.Equal(t, 1, after.Cmp(before), "pMin %s -> %s", before, after)
}

func TestSwapRejectsInvariantViolationAtomically(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	env.seed(t, 1_000_000, 1_000_000, 30, 30, 0)

	require.NoError(t, env.engine.Deposit("USD", env.trader, big.NewInt(1_000)))
	err := env.engine.Swap(big.NewInt(1_000), nil, env.trader, nil)
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Equal(t, "0", env.balance(t, "FLR", env.trader).String())

	reserves, err := env.engine.Reserves()
	require.NoError(t, err)
	require.Equal(t, "1000000", reserves.Token.String())

	// The deposit is still pending and pays for a fairly priced trade.
	out, err := GetAmountOut(big.NewInt(1_000), big.NewInt(1_000_000), big.NewInt(1_000_000), 30)
	require.NoError(t, err)
	require.NoError(t, env.engine.Swap(out, nil, env.trader, nil))
	require.Equal(t, out, env.balance(t, "FLR", env.trader))
}

func TestSwapRequiresDepositedInput(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	env.seed(t, 1_000_000, 1_000_000, 30, 30, 0)

	// A plain transfer to the pool is never counted as input.
	require.NoError(t, env.bank.Transfer("USD", env.trader, env.engine.Address(), big.NewInt(50_000)))
	err := env.engine.Swap(big.NewInt(10), nil, env.trader, nil)
	require.ErrorIs(t, err, ErrInsufficientInput)

	reserves, err := env.engine.Reserves()
	require.NoError(t, err)
	require.Equal(t, "1000000", reserves.Quote.String())
	require.Equal(t, "1050000", env.balance(t, "USD", env.engine.Address()).String())

	err = env.engine.Swap(big.NewInt(0), big.NewInt(0), env.trader, nil)
	require.ErrorIs(t, err, ErrInsufficientOutput)
	err = env.engine.Swap(big.NewInt(1_000_000), nil, env.trader, nil)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
	require.ErrorIs(t, env.engine.Deposit("BTC", env.trader, big.NewInt(1)), ErrUnknownAsset)
}

func TestSwapRejectsPoolAndAssetRecipients(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	env.seed(t, 1_000_000, 1_000_000, 30, 30, 0)
	require.NoError(t, env.engine.Deposit("USD", env.trader, big.NewInt(1_000)))

	for _, recipient := range []crypto.Address{
		env.engine.Address(),
		bank.AssetAddress("FLR"),
		bank.AssetAddress("USD"),
		crypto.ZeroAddress,
	} {
		err := env.engine.Swap(big.NewInt(10), nil, recipient, nil)
		require.ErrorIs(t, err, ErrInvalidRecipient)
	}
}

func TestSwapExactInQuotesAndSlippage(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	env.seed(t, 1_000_000, 1_000_000, 30, 30, 0)

	quoted, err := env.engine.QuoteOut("usd", big.NewInt(10_000))
	require.NoError(t, err)
	_, err = env.engine.SwapExactIn(env.trader, "USD", big.NewInt(10_000), new(big.Int).Add(quoted, big.NewInt(1)))
	require.ErrorIs(t, err, ErrInsufficientOutput)

	out, err := env.engine.SwapExactIn(env.trader, "USD", big.NewInt(10_000), quoted)
	require.NoError(t, err)
	require.Equal(t, quoted, out)
	require.Equal(t, quoted, env.balance(t, "FLR", env.trader))

	back, err := env.engine.SwapExactIn(env.trader, "FLR", out, big.NewInt(1))
	require.NoError(t, err)
	require.True(t, back.Cmp(big.NewInt(10_000)) < 0, "round trip must lose fees, got %s", back)
	require.Len(t, env.recorder.OfType(events.TypeSwap), 2)
}

func TestFlashSwapCallbackMayPayThroughDeposit(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	env.seed(t, 1_000_000, 1_000_000, 30, 30, 0)

	out := big.NewInt(1_000)
	err := env.engine.Swap(out, nil, env.trader, func(out0, out1 *big.Int) error {
		require.Equal(t, out, out0)
		require.Equal(t, out0, env.balance(t, "FLR", env.trader))
		return env.engine.Deposit("USD", env.trader, big.NewInt(1_010))
	})
	require.NoError(t, err)
	reserves, err := env.engine.Reserves()
	require.NoError(t, err)
	require.Equal(t, "999000", reserves.Token.String())
	require.Equal(t, "1001010", reserves.Quote.String())
}

func TestReentrantCallsFromSwapCallbackAreRejected(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	env.seed(t, 1_000_000, 1_000_000, 30, 30, 0)

	attempts := map[string]func() error{
		"swap": func() error {
			return env.engine.Swap(big.NewInt(1), nil, env.trader, nil)
		},
		"swapExactIn": func() error {
			_, err := env.engine.SwapExactIn(env.trader, "USD", big.NewInt(100), nil)
			return err
		},
		"mint": func() error {
			_, err := env.engine.Mint(env.harvester)
			return err
		},
		"burn": func() error {
			_, _, err := env.engine.Burn(env.harvester, big.NewInt(1))
			return err
		},
		"transferLiquidity": func() error {
			return env.engine.TransferLiquidity(env.harvester, env.engine.Address(), big.NewInt(1))
		},
	}
	for name, attempt := range attempts {
		t.Run(name, func(t *testing.T) {
			var inner error
			err := env.engine.Swap(big.NewInt(1_000), nil, env.trader, func(_, _ *big.Int) error {
				if err := env.engine.Deposit("USD", env.trader, big.NewInt(2_000)); err != nil {
					return err
				}
				inner = attempt()
				return inner
			})
			require.ErrorIs(t, inner, ErrReentrant)
			require.ErrorIs(t, err, ErrReentrant)

			reserves, rerr := env.engine.Reserves()
			require.NoError(t, rerr)
			require.Equal(t, "1000000", reserves.Token.String())
			require.Equal(t, "1000000", reserves.Quote.String())
			require.Equal(t, "0", env.balance(t, "FLR", env.trader).String())
		})
	}
}

func TestInvariantNeverDecreasesAcrossRandomSwaps(t *testing.T) {
	env := newEnv(t, 2_000_000_000, 2_000_000_000)
	env.seed(t, 1_000_000_000, 1_000_000_000, 300, 30, 500_000_000)
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 300; i++ {
		before, err := env.engine.Reserves()
		require.NoError(t, err)
		asset := "USD"
		if rng.Intn(2) == 0 {
			asset = "FLR"
			// The trader sources tokens from the funder's external float.
			require.NoError(t, env.bank.Transfer("FLR", env.funder, env.trader, big.NewInt(2_000_000)))
		}
		amount := big.NewInt(rng.Int63n(1_000_000) + 1_000)
		if _, err := env.engine.SwapExactIn(env.trader, asset, amount, nil); err != nil {
			require.ErrorIs(t, err, ErrInsufficientOutput)
		}
		after, err := env.engine.Reserves()
		require.NoError(t, err)
		require.True(t, after.Invariant().Cmp(before.Invariant()) >= 0, "k decreased at step %d", i)
	}
}

func TestFloorRisesUnderBuysAndBurns(t *testing.T) {
	env := newEnv(t, 2_000_000_000_000, 1_000_000_000_000)
	env.seed(t, 1_000_000_000_000, 1_000_000_000_000, 300, 30, 500_000_000_000)
	rng := rand.New(rand.NewSource(5))

	supply, err := env.engine.CurrentSupply()
	require.NoError(t, err)
	last := env.pMin(t)
	for i := 0; i < 400; i++ {
		before, err := env.engine.Reserves()
		require.NoError(t, err)
		// Sells and redemptions may lower pMin; buys and burns may not.
		mayFall := false
		switch rng.Intn(5) {
		case 0:
			amount := big.NewInt(rng.Int63n(1_000_000_000) + 1)
			_, err := env.engine.SwapExactIn(env.trader, "USD", amount, nil)
			if err != nil {
				require.ErrorIs(t, err, ErrInsufficientOutput)
			}
		case 1:
			amount := big.NewInt(rng.Int63n(1_000_000_000) + 1)
			require.NoError(t, env.bank.Burn("FLR", env.funder, amount))
		case 2:
			// Tokens bought earlier are burned by the trader.
			held := env.balance(t, "FLR", env.trader)
			if held.Sign() > 0 {
				require.NoError(t, env.bank.Burn("FLR", env.trader, new(big.Int).Rsh(held, 1)))
			}
		case 3:
			mayFall = true
			held := env.balance(t, "FLR", env.trader)
			if held.Sign() > 0 {
				_, err := env.engine.SwapExactIn(env.trader, "FLR", new(big.Int).Rsh(held, 1), nil)
				if err != nil {
					require.ErrorIs(t, err, ErrInsufficientOutput)
				}
			}
		default:
			// Ungated redemption of fee growth, the way a harvest would do it.
			mayFall = true
			_, err := env.engine.Mint(env.harvester)
			require.NoError(t, err)
			excess := new(big.Int).Quo(env.liquidity(t, env.harvester), big.NewInt(1_000))
			amount0, _, err := env.engine.Burn(env.harvester, excess)
			require.NoError(t, err)
			require.NoError(t, env.bank.Burn("FLR", env.harvester, amount0))
		}
		now := env.pMin(t)
		if !mayFall {
			require.True(t, now.Cmp(last) >= 0, "pMin fell at step %d: %s -> %s", i, last, now)
			after, err := env.engine.Reserves()
			require.NoError(t, err)
			require.True(t, after.Invariant().Cmp(before.Invariant()) >= 0, "k decreased at step %d", i)
		}
		last = now

		current, err := env.engine.CurrentSupply()
		require.NoError(t, err)
		require.True(t, current.Cmp(supply) <= 0, "supply grew at step %d", i)
		supply = current

		fee, err := env.engine.CurrentFee()
		require.NoError(t, err)
		require.True(t, fee >= 30 && fee <= 300, "fee %d outside curve", fee)
	}
}

func TestSellLowersFloor(t *testing.T) {
	env := newEnv(t, 2_000_000_000_000, 1_000_000_000_000)
	env.seed(t, 1_000_000_000_000, 1_000_000_000_000, 300, 30, 500_000_000_000)
	require.Equal(t, "489923857868020304", env.pMin(t).String())

	require.NoError(t, env.bank.Transfer("FLR", env.funder, env.trader, big.NewInt(100_000_000_000)))
	_, err := env.engine.SwapExactIn(env.trader, "FLR", big.NewInt(100_000_000_000), nil)
	require.NoError(t, err)
	require.Equal(t, "445924261948390192", env.pMin(t).String())
}

func TestRedemptionAtConstantFeeLowersFloor(t *testing.T) {
	env := newEnv(t, 2_000_000_000_000, 1_000_000_000_000)
	env.seed(t, 1_000_000_000_000, 1_000_000_000_000, 300, 300, 0)
	for i := 0; i < 20; i++ {
		_, err := env.engine.SwapExactIn(env.trader, "USD", big.NewInt(10_000_000_000), nil)
		require.NoError(t, err)
	}
	minted, err := env.engine.Mint(env.harvester)
	require.NoError(t, err)
	require.Equal(t, "2726443201", minted.String())
	require.Equal(t, "589363637226538279", env.pMin(t).String())

	excess := new(big.Int).Quo(env.liquidity(t, env.harvester), big.NewInt(100))
	amount0, _, err := env.engine.Burn(env.harvester, excess)
	require.NoError(t, err)
	require.NoError(t, env.bank.Burn("FLR", env.harvester, amount0))
	require.Equal(t, "585968419296046328", env.pMin(t).String())
}

func TestPausedPoolRejectsTrades(t *testing.T) {
	env := newEnv(t, 1_000_000, 1_000_000)
	env.seed(t, 1_000_000, 1_000_000, 30, 30, 0)
	env.engine.SetPauses(nativecommon.StaticPauses{"amm": true})

	err := env.engine.Deposit("USD", env.trader, big.NewInt(1))
	require.True(t, errors.Is(err, nativecommon.ErrModulePaused))
	err = env.engine.Swap(big.NewInt(1), nil, env.trader, nil)
	require.True(t, errors.Is(err, nativecommon.ErrModulePaused))

	// Views keep working while paused.
	_, err = env.engine.PMin()
	require.NoError(t, err)
}
