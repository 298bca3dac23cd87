package metrics

import "testing"

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	AddBridgeBytes(DirAtoB, 14)
	AddBridgeBytes(DirBtoA, 3)
	AddBridgeBytes("bogus", 100)
	IncBridgeDrop()
	AddTxBytes(5)
	IncRxLine()
	IncError(ErrDecode)
	after := Snap()

	if d := after.BridgeAtoB - before.BridgeAtoB; d != 14 {
		t.Fatalf("a_to_b delta=%d want 14", d)
	}
	if d := after.BridgeBtoA - before.BridgeBtoA; d != 3 {
		t.Fatalf("b_to_a delta=%d want 3", d)
	}
	if after.BridgeDropped-before.BridgeDropped != 1 {
		t.Fatalf("expected one dropped chunk")
	}
	if after.TxBytes-before.TxBytes != 5 || after.RxLines-before.RxLines != 1 {
		t.Fatalf("unexpected tx/rx deltas: %+v -> %+v", before, after)
	}
	if after.Errors-before.Errors != 1 {
		t.Fatalf("expected one error increment")
	}
}

func TestReadinessFunc(t *testing.T) {
	t.Cleanup(func() { SetReadinessFunc(nil) })
	SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatalf("nil readiness func should report ready")
	}
	SetReadinessFunc(func() bool { return false })
	if IsReady() {
		t.Fatalf("expected not ready")
	}
}
