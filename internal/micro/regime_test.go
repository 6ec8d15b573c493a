package micro

import "testing"

func TestRegimeTrendVsChop(t *testing.T) {
	t.Parallel()

	// A monotone walk is pure trend.
	trend := NewRegime()
	for i := 0; i < 120; i++ {
		trend.Observe(int64(i)*1000, 100+float64(i)*0.1)
	}
	tm := trend.Metrics()
	if tm.Trendiness == nil || *tm.Trendiness < 0.99 {
		t.Errorf("trendiness = %v, want near 1 for a monotone walk", deref(tm.Trendiness))
	}
	if tm.RealizedVol1m == nil || *tm.RealizedVol1m <= 0 {
		t.Errorf("realizedVol1m = %v, want positive", deref(tm.RealizedVol1m))
	}
	if tm.MicroATR == nil || *tm.MicroATR <= 0 {
		t.Errorf("microAtr = %v, want positive", deref(tm.MicroATR))
	}

	// An oscillation covers much path with no net move.
	chop := NewRegime()
	for i := 0; i < 120; i++ {
		chop.Observe(int64(i)*1000, 100+float64(i%2)*0.1)
	}
	cm := chop.Metrics()
	if cm.Chop == nil || cm.Trendiness == nil {
		t.Fatal("chop metrics missing")
	}
	if *cm.Chop <= *cm.Trendiness {
		t.Errorf("chop %v should dominate trendiness %v for an oscillation", *cm.Chop, *cm.Trendiness)
	}
}

func TestRegimeNeedsSamples(t *testing.T) {
	t.Parallel()

	r := NewRegime()
	for i := 0; i < 10; i++ {
		r.Observe(int64(i)*1000, 100)
	}
	m := r.Metrics()
	if m.RealizedVol1m != nil {
		t.Error("realizedVol1m must be nil below the sample floor")
	}
	if m.Trendiness != nil {
		t.Error("trendiness must be nil below the sample floor")
	}
}

func TestRegimeSameSecondCollapses(t *testing.T) {
	t.Parallel()

	r := NewRegime()
	// Many intra-second updates collapse into one sample per second.
	for i := 0; i < 40; i++ {
		r.Observe(100, 100+float64(i))
		r.Observe(150, 100+float64(i)*2)
	}
	if m := r.Metrics(); m.RealizedVol1m != nil {
		t.Error("one second of data cannot produce a realized vol")
	}
}
