package clock

import (
	"testing"
	"time"
)

// sample builds the four NTP timestamps for a round trip against an
// authority whose clock runs `offset` ms ahead of ours, with symmetric
// one-way latency lat and server processing time proc.
func sample(localStart, offset, lat, proc int64) (t0, t1, t2, t3 int64) {
	t0 = localStart
	t1 = localStart + lat + offset
	t2 = t1 + proc
	t3 = localStart + lat + proc + lat
	return
}

func TestConvergesToTrueOffset(t *testing.T) {
	e := New(0)

	const trueOffset = 1234
	local := int64(1_000_000)
	for i := 0; i < 10; i++ {
		t0, t1, t2, t3 := sample(local, trueOffset, 20, 2)
		if !e.RecordRoundTrip(t0, t1, t2, t3) {
			t.Fatalf("sample %d rejected", i)
		}
		local += 5000
	}

	if !e.Synced() {
		t.Fatal("engine not synced after 10 samples")
	}

	got := e.State().OffsetMs
	if got < trueOffset-50 || got > trueOffset+50 {
		t.Fatalf("offset estimate %v, want within 50ms of %d", got, trueOffset)
	}
}

func TestNowAppliesOffset(t *testing.T) {
	e := New(0)
	e.now = func() int64 { return 5000 }

	for i := 0; i < 5; i++ {
		t0, t1, t2, t3 := sample(int64(1000+i*100), 700, 10, 1)
		e.RecordRoundTrip(t0, t1, t2, t3)
	}

	got := e.Now()
	if got < 5000+650 || got > 5000+750 {
		t.Fatalf("Now() = %d, want ~5700", got)
	}
}

func TestRejectsAnomalousRTT(t *testing.T) {
	e := New(500 * time.Millisecond)

	t.Run("rtt too large", func(t *testing.T) {
		t0, t1, t2, t3 := sample(1000, 0, 400, 0) // 800ms rtt
		if e.RecordRoundTrip(t0, t1, t2, t3) {
			t.Fatal("accepted sample with rtt over limit")
		}
	})

	t.Run("negative rtt", func(t *testing.T) {
		// t3 before t0 after removing processing time.
		if e.RecordRoundTrip(1000, 1010, 1500, 1400) {
			t.Fatal("accepted sample with negative rtt")
		}
	})

	if e.Synced() {
		t.Fatal("rejected samples must not count toward sync")
	}
}

func TestMinimumSamples(t *testing.T) {
	e := New(0)

	t0, t1, t2, t3 := sample(1000, 100, 10, 1)
	e.RecordRoundTrip(t0, t1, t2, t3)
	if e.Synced() {
		t.Fatal("synced after a single sample")
	}

	t0, t1, t2, t3 = sample(2000, 100, 10, 1)
	e.RecordRoundTrip(t0, t1, t2, t3)
	if !e.Synced() {
		t.Fatal("not synced after two samples")
	}
}

func TestMedianRejectsOutlier(t *testing.T) {
	e := New(0)

	for i := 0; i < 4; i++ {
		t0, t1, t2, t3 := sample(int64(1000+i*100), 100, 10, 1)
		e.RecordRoundTrip(t0, t1, t2, t3)
	}
	// One wild (but rtt-plausible) sample must not yank the estimate.
	e.RecordRoundTrip(5000, 5000+900+10, 5000+900+11, 5021)

	got := e.State().OffsetMs
	if got < 50 || got > 350 {
		t.Fatalf("offset %v after outlier, want near 100", got)
	}
}

func TestReset(t *testing.T) {
	e := New(0)
	for i := 0; i < 5; i++ {
		t0, t1, t2, t3 := sample(int64(1000+i*100), 100, 10, 1)
		e.RecordRoundTrip(t0, t1, t2, t3)
	}
	e.Reset()

	if e.Synced() {
		t.Fatal("synced after reset")
	}
	if st := e.State(); st.OffsetMs != 0 || st.RTTMs != 0 {
		t.Fatalf("state not zeroed after reset: %+v", st)
	}
}
