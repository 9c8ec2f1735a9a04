// Package clockrand provides the monotonic clock and CSPRNG primitives the
// plugin host uses for deadline preemption, performance.now(), and
// crypto.randomBytes.
package clockrand

import (
	"crypto/rand"
	"math/big"

	"golang.org/x/sys/unix"
)

// NowNS returns the current instant on CLOCK_MONOTONIC, in nanoseconds. It
// is suitable only for measuring elapsed time, never for wall-clock
// display. This deliberately does not go through time.Now().UnixNano():
// UnixNano() converts Go's internal monotonic reading back to wall-clock
// Unix time, discarding the monotonic reading entirely, which is exactly
// the footgun the time package's own docs warn about. clock_gettime's
// CLOCK_MONOTONIC, as used by the original sage_qjs_now_ns, never jumps
// across NTP/wall-clock adjustments.
func NowNS() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Sec*1_000_000_000 + int64(ts.Nsec)
}

// PerformanceNowMS returns milliseconds elapsed since an arbitrary
// monotonic epoch, as a float64, matching the JS performance.now() contract
// exposed to plugins by __sage_performance_now.
func PerformanceNowMS() float64 {
	return float64(NowNS()) / 1e6
}

// RandomBytes returns n cryptographically secure random bytes. It reads
// from the OS CSPRNG (crypto/rand, itself backed by getrandom(2) on Linux)
// and falls back to a seeded fallbackSource (a non-cryptographic xorshift
// generator defined below) only if that read fails, which in practice only
// happens on a starved or broken entropy source.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err == nil {
		return buf, nil
	}
	// Fallback: OS RNG unavailable. Seed from whatever entropy crypto/rand
	// can still produce (a single big.Int draw); if even that fails, seed
	// from the clock as a last resort so callers never hang.
	seed, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	var s int64
	if err == nil {
		s = seed.Int64()
	} else {
		s = NowNS()
	}
	src := newFallbackSource(s)
	for i := range buf {
		buf[i] = byte(src.next())
	}
	return buf, nil
}

// fallbackSource is a tiny xorshift64* PRNG used only when the OS CSPRNG is
// unavailable; it is not cryptographically secure, but it is deterministic
// given a seed and requires no imports beyond what this file already has.
type fallbackSource struct {
	state uint64
}

func newFallbackSource(seed int64) *fallbackSource {
	s := uint64(seed)
	if s == 0 {
		s = 0x9e3779b97f4a7c15
	}
	return &fallbackSource{state: s}
}

func (f *fallbackSource) next() uint64 {
	f.state ^= f.state << 13
	f.state ^= f.state >> 7
	f.state ^= f.state << 17
	return f.state * 2685821657736338717
}
