package events

import (
	"math/big"
	"testing"

	"vaultlend/crypto"
)

func TestFanoutDeliversToEveryEmitter(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	var seen []string
	fan := Fanout{first, nil, second, EmitterFunc(func(evt Event) { seen = append(seen, evt.EventType()) })}

	fan.Emit(Borrowed{Market: 1, Amount: big.NewInt(5)})

	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Fatalf("expected both recorders to receive the event")
	}
	if len(seen) != 1 || seen[0] != TypeLendingBorrowed {
		t.Fatalf("unexpected func emitter deliveries: %v", seen)
	}
}

func TestLiquidationInitiatedAttributes(t *testing.T) {
	alice := crypto.DeriveAddress([]byte("alice"))
	carol := crypto.DeriveAddress([]byte("carol"))
	evt := LiquidationInitiated{Market: 3, Borrowers: []crypto.Address{alice, carol}}.Event()

	if evt.Type != TypeLendingLiquidationInitiated {
		t.Fatalf("unexpected type %s", evt.Type)
	}
	if evt.Attributes["market"] != "3" {
		t.Fatalf("unexpected market attribute %q", evt.Attributes["market"])
	}
	want := alice.String() + "," + carol.String()
	if evt.Attributes["borrowers"] != want {
		t.Fatalf("unexpected borrowers attribute %q", evt.Attributes["borrowers"])
	}
	if evt.Attributes["caller"] != "" {
		t.Fatalf("expected empty caller for zero address")
	}
}

func TestRecorderOfType(t *testing.T) {
	rec := &Recorder{}
	rec.Emit(CollateralDeposited{Market: 1})
	rec.Emit(Borrowed{Market: 1})
	rec.Emit(CollateralDeposited{Market: 2})

	if got := len(rec.OfType(TypeLendingCollateralDeposited)); got != 2 {
		t.Fatalf("expected 2 deposits, got %d", got)
	}
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Fatalf("expected reset recorder to be empty")
	}
}
