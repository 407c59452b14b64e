package auth

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingDelay sleeps a base delay plus random jitter so rejected requests cannot be
// told apart by latency
type TimingDelay struct {
	base   time.Duration
	jitter time.Duration
	sleep  func(time.Duration)
}

// NewTimingDelay creates a new TimingDelay
func NewTimingDelay(base, jitter time.Duration) *TimingDelay {
	return &TimingDelay{base: base, jitter: jitter, sleep: time.Sleep}
}

// Wait blocks for base plus a random share of jitter
func (td *TimingDelay) Wait() {
	td.sleep(td.Duration())
}

// Duration returns the next delay
func (td *TimingDelay) Duration() time.Duration {
	d := td.base
	if td.jitter > 0 {
		if n, err := cryptoRandIntn(int64(td.jitter)); err == nil {
			d += time.Duration(n)
		}
	}
	return d
}

// cryptoRandIntn returns a uniformly distributed-enough value in [0, max) from crypto/rand
func cryptoRandIntn(max int64) (int64, error) {
	if max <= 0 {
		return 0, nil
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:]) % uint64(max)), nil
}
