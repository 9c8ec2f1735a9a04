package clockrand

import "testing"

func TestNowNSMonotonic(t *testing.T) {
	a := NowNS()
	b := NowNS()
	if b < a {
		t.Fatalf("clock went backwards: %d then %d", a, b)
	}
}

func TestPerformanceNowMSPositive(t *testing.T) {
	if PerformanceNowMS() <= 0 {
		t.Fatalf("expected positive performance.now() value")
	}
}

func TestRandomBytesLength(t *testing.T) {
	for _, n := range []int{0, 1, 16, 1024} {
		b, err := RandomBytes(n)
		if err != nil {
			t.Fatalf("RandomBytes(%d): %v", n, err)
		}
		if len(b) != n {
			t.Fatalf("RandomBytes(%d) returned %d bytes", n, len(b))
		}
	}
}

func TestRandomBytesDiffer(t *testing.T) {
	a, _ := RandomBytes(32)
	b, _ := RandomBytes(32)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("two independent RandomBytes draws produced identical output")
	}
}
