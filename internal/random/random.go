// internal/random/random.go

// Package random provides cryptographically secure random decisions:
// floats in [0, 1), exactly uniform integer ranges, weighted booleans,
// hex tokens and duration jitter.
//
// Every value is drawn from a Source. The zero configuration uses
// crypto/rand; tests inject a deterministic reader. A Provider holds no
// state besides its source and is safe for concurrent use as long as the
// source is (crypto/rand.Reader is).
//
// On Linux crypto/rand uses getrandom(2), which can block early in boot
// until the kernel entropy pool is initialized. That wait is a property of
// the platform and is not handled here.
package random

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"time"
)

// maxRejections bounds the rejection-sampling loop in Int. A healthy
// source is rejected with probability below 1/2 per draw.
const maxRejections = 128

// Source fills byte slices with secure random bytes.
type Source interface {
	Read(p []byte) (n int, err error)
}

// Provider draws random values from a Source.
type Provider struct {
	src Source
}

// New returns a Provider reading from src. A nil src selects crypto/rand.
func New(src Source) *Provider {
	if src == nil {
		src = rand.Reader
	}
	return &Provider{src: src}
}

var defaultProvider = New(nil)

// Default returns the crypto/rand backed provider used by the package-level
// functions.
func Default() *Provider {
	return defaultProvider
}

func (p *Provider) fill(b []byte) error {
	if _, err := io.ReadFull(p.src, b); err != nil {
		return fmt.Errorf("reading entropy: %w", err)
	}
	return nil
}

func (p *Provider) uint64() (uint64, error) {
	var buf [8]byte
	if err := p.fill(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Float returns a value in [0, 1) built from 32 random bits.
func (p *Provider) Float() (float64, error) {
	var buf [4]byte
	if err := p.fill(buf[:]); err != nil {
		return 0, err
	}
	u := binary.BigEndian.Uint32(buf[:])
	return float64(u) / (1 << 32), nil
}

// Int returns a uniformly distributed integer in [min, max).
//
// The span is mapped onto 64-bit draws by rejection: draws at or above the
// largest multiple of the span are discarded, so every result is equally
// likely for any span, including ones that do not divide 2^64.
func (p *Provider) Int(min, max int64) (int64, error) {
	if min >= max {
		return 0, &RangeError{Op: "secure int", Min: min, Max: max}
	}

	// Two's complement subtraction gives the exact span, 1 <= span <= 2^64-1.
	span := uint64(max) - uint64(min)
	// 2^64 mod span; draws above limit fall in the incomplete last block.
	rem := (math.MaxUint64%span + 1) % span
	limit := uint64(math.MaxUint64) - rem

	for i := 0; i < maxRejections; i++ {
		v, err := p.uint64()
		if err != nil {
			return 0, err
		}
		if v <= limit {
			return int64(uint64(min) + v%span), nil
		}
	}
	return 0, fmt.Errorf("secure int: %w after %d draws", ErrEntropyRejected, maxRejections)
}

// Bool returns true with the given probability.
// Probabilities 0 and 1 are answered without drawing entropy.
func (p *Provider) Bool(probability float64) (bool, error) {
	if !(probability >= 0 && probability <= 1) {
		return false, &ProbabilityError{Op: "secure bool", Value: probability}
	}
	if probability == 0 {
		return false, nil
	}
	if probability == 1 {
		return true, nil
	}

	f, err := p.Float()
	if err != nil {
		return false, err
	}
	return f < probability, nil
}

// Token returns n random bytes encoded as lowercase hex (2n characters).
func (p *Provider) Token(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("secure token: %w: %d bytes", ErrInvalidLength, n)
	}
	b := make([]byte, n)
	if err := p.fill(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Jitter returns a duration drawn uniformly from
// [base - base*spread, base + base*spread]. The upper bound is clamped to
// the largest Duration.
func (p *Provider) Jitter(base time.Duration, spread float64) (time.Duration, error) {
	if !(spread >= 0 && spread <= 1) {
		return 0, &ProbabilityError{Op: "jitter", Value: spread}
	}
	if base <= 0 {
		return base, nil
	}

	// base >= 1, so limit+1 and base+limit both fit in an int64.
	limit := int64(math.MaxInt64 - base)
	delta := limit
	if d := float64(base) * spread; d < float64(limit) {
		delta = min(int64(d), limit)
	}
	if delta == 0 {
		return base, nil
	}

	offset, err := p.Int(-delta, delta+1)
	if err != nil {
		return 0, err
	}
	return base + time.Duration(offset), nil
}

// Float returns a secure float in [0, 1) from crypto/rand.
// crypto/rand does not fail on supported platforms; if it ever does the
// process cannot make secure decisions and Float panics.
func Float() float64 {
	f, err := defaultProvider.Float()
	if err != nil {
		panic(err)
	}
	return f
}

// Int returns a uniformly distributed integer in [min, max) from crypto/rand.
func Int(min, max int64) (int64, error) {
	return defaultProvider.Int(min, max)
}

// Bool returns true with the given probability using crypto/rand.
func Bool(probability float64) (bool, error) {
	return defaultProvider.Bool(probability)
}

// Token returns n crypto/rand bytes as lowercase hex.
func Token(n int) (string, error) {
	return defaultProvider.Token(n)
}
