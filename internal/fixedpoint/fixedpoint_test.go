package fixedpoint

import (
	"math"
	"testing"
)

func TestToFpFromFpRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []float64{0, 1, -1, 0.00000001, 123.456, -99999.99999999, 9_999_999_999.5}
	for _, v := range cases {
		fp, err := ToFp(v)
		if err != nil {
			t.Fatalf("ToFp(%v): %v", v, err)
		}
		got := FromFp(fp)
		if diff := math.Abs(got - v); diff > math.Abs(v)*1e-15+1e-9 {
			t.Errorf("round trip %v -> %v (diff %v)", v, got, diff)
		}
	}
}

func TestToFpNonFinite(t *testing.T) {
	t.Parallel()

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := ToFp(v); err != ErrNotFinite {
			t.Errorf("ToFp(%v) err = %v, want ErrNotFinite", v, err)
		}
	}
}

func TestFromString(t *testing.T) {
	t.Parallel()

	fp, err := FromString("42917.50")
	if err != nil {
		t.Fatal(err)
	}
	if fp != 42917*Scale+Scale/2 {
		t.Errorf("FromString = %d", fp)
	}

	if _, err := FromString("not-a-number"); err == nil {
		t.Error("expected error for bad input")
	}
}

func TestMulDiv(t *testing.T) {
	t.Parallel()

	a := MustFp(100)  // price
	b := MustFp(2.5)  // qty
	if got := Mul(a, b); got != MustFp(250) {
		t.Errorf("Mul = %v, want 250", got)
	}
	if got := Div(MustFp(250), b); got != a {
		t.Errorf("Div = %v, want 100", got)
	}

	// Large notional must not overflow the intermediate product.
	big := MustFp(90_000) // ~BTC price
	qty := MustFp(50_000)
	want := MustFp(4_500_000_000)
	if got := Mul(big, qty); got != want {
		t.Errorf("Mul large = %v, want %v", got, want)
	}
}

func TestMulNegative(t *testing.T) {
	t.Parallel()

	if got := Mul(MustFp(-3), MustFp(2)); got != MustFp(-6) {
		t.Errorf("Mul(-3,2) = %v", got)
	}
	if got := Div(MustFp(-6), MustFp(2)); got != MustFp(-3) {
		t.Errorf("Div(-6,2) = %v", got)
	}
	if got := Mul(MustFp(-3), MustFp(-2)); got != MustFp(6) {
		t.Errorf("Mul(-3,-2) = %v", got)
	}
}

func TestDivByZeroPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r != ErrDivZero {
			t.Errorf("recovered %v, want ErrDivZero", r)
		}
	}()
	Div(One, 0)
}

func TestMulOverflowPanics(t *testing.T) {
	t.Parallel()

	mustOverflow := func(name string, fn func()) {
		defer func() {
			if r := recover(); r != ErrOverflow {
				t.Errorf("%s: recovered %v, want ErrOverflow", name, r)
			}
		}()
		fn()
	}

	// 128-bit quotient does not fit 64 bits.
	mustOverflow("huge product", func() { Mul(MustFp(1e10), MustFp(1e10)) })
	// Quotient fits uint64 but not int64.
	mustOverflow("sign overflow", func() { Mul(MustFp(1e6), MustFp(1e5)) })
}

func TestRoundTo(t *testing.T) {
	t.Parallel()

	tick := MustFp(0.5)
	if got := RoundTo(MustFp(100.26), tick); got != MustFp(100.5) {
		t.Errorf("RoundTo(100.26, 0.5) = %v", got)
	}
	if got := RoundTo(MustFp(100.24), tick); got != MustFp(100) {
		t.Errorf("RoundTo(100.24, 0.5) = %v", got)
	}
	if got := RoundTo(MustFp(-100.26), tick); got != MustFp(-100.5) {
		t.Errorf("RoundTo(-100.26, 0.5) = %v", got)
	}
	if got := RoundTo(MustFp(7), 0); got != MustFp(7) {
		t.Errorf("RoundTo with zero step = %v", got)
	}
}

func TestSignAbsMinMaxCmp(t *testing.T) {
	t.Parallel()

	if Sign(MustFp(-2)) != -1 || Sign(0) != 0 || Sign(One) != 1 {
		t.Error("Sign")
	}
	if Abs(MustFp(-2)) != MustFp(2) {
		t.Error("Abs")
	}
	if Min(One, 2*One) != One || Max(One, 2*One) != 2*One {
		t.Error("Min/Max")
	}
	if Cmp(One, 2*One) != -1 || Cmp(2*One, One) != 1 || Cmp(One, One) != 0 {
		t.Error("Cmp")
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	if s := MustFp(42917.5).String(); s != "42917.5" {
		t.Errorf("String = %q", s)
	}
}
