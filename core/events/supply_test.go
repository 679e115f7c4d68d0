package events

import (
	"math/big"
	"testing"

	"floorlend/crypto"
)

func TestTokenSupplyEvent(t *testing.T) {
	evt := TokenSupply{
		Token:  "flr",
		Total:  big.NewInt(5000),
		Delta:  big.NewInt(-250),
		Reason: SupplyReasonBurn,
	}.Event()
	if evt == nil {
		t.Fatalf("expected event")
	}
	if evt.Type != TypeTokenSupply {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["token"] != "FLR" {
		t.Fatalf("unexpected token attr: %s", evt.Attributes["token"])
	}
	if evt.Attributes["total"] != "5000" || evt.Attributes["delta"] != "-250" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if evt.Attributes["reason"] != SupplyReasonBurn {
		t.Fatalf("unexpected reason: %s", evt.Attributes["reason"])
	}
}

func TestCollateralMovedType(t *testing.T) {
	deposit := CollateralMoved{Amount: big.NewInt(1)}
	withdraw := CollateralMoved{Amount: big.NewInt(1), Withdrawn: true}
	if deposit.EventType() != TypeCollateralDeposited {
		t.Fatalf("unexpected deposit type %s", deposit.EventType())
	}
	if withdraw.Event().Type != TypeCollateralWithdrawn {
		t.Fatalf("unexpected withdraw type %s", withdraw.Event().Type)
	}
}

func TestRecorderAndFanout(t *testing.T) {
	var a, b Recorder
	fan := Fanout{&a, nil, &b}
	account := crypto.DeriveModuleAddress("test")
	fan.Emit(LoanBorrowed{PoolID: "1", Account: account, Amount: big.NewInt(3)})
	fan.Emit(TokenTransfer{Token: "usd", Amount: big.NewInt(1)})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("expected both recorders to see two events")
	}
	borrowed := a.OfType(TypeLoanBorrowed)
	if len(borrowed) != 1 {
		t.Fatalf("expected one borrow event, got %d", len(borrowed))
	}
	attrs := borrowed[0].Event().Attributes
	if attrs["account"] != account.String() || attrs["amount"] != "3" || attrs["principal"] != "0" {
		t.Fatalf("unexpected attributes %+v", attrs)
	}
}
