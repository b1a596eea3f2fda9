package rules

import (
	"errors"
	"fmt"
	"math"
)

// Mode selects the end points a mapper maps onto.
type Mode string

const (
	Mode10    Mode = "10"
	Mode01    Mode = "01"
	Mode1N1   Mode = "1-1"
	ModeN11   Mode = "-11"
	modeUnset Mode = ""
)

// ErrMode is returned for an unknown mapper mode.
var ErrMode = errors.New("unknown mapper mode")

func (m Mode) valid() bool {
	switch m {
	case Mode10, Mode01, Mode1N1, ModeN11:
		return true
	}
	return false
}

// reverse returns the mode used for the second line of a DoubleLinear mapper.
func (m Mode) reverse() Mode {
	switch m {
	case Mode10:
		return Mode01
	case Mode01:
		return Mode10
	case Mode1N1:
		return ModeN11
	default:
		return Mode1N1
	}
}

// Mapper maps a raw feature value into [-1, 1].
type Mapper interface {
	Map(v any) (float64, error)
}

// Identity passes numeric values through, clamped to [-1, 1].
type Identity struct{}

func (Identity) Map(v any) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return clamp(f), nil
}

// Boolean maps true/false to the end points of its mode.
type Boolean struct {
	mode Mode
}

func NewBoolean(mode Mode) (*Boolean, error) {
	if mode == modeUnset {
		mode = Mode10
	}
	if !mode.valid() {
		return nil, fmt.Errorf("%w: %q", ErrMode, mode)
	}
	return &Boolean{mode: mode}, nil
}

func (b *Boolean) Map(v any) (float64, error) {
	t, ok := v.(bool)
	if !ok {
		return 0, fmt.Errorf("boolean mapper: unsupported value %T", v)
	}
	onFalse, onTrue := endpoints(b.mode)
	if t {
		return onTrue, nil
	}
	return onFalse, nil
}

// endpoints returns the values mapped to lo and hi respectively.
func endpoints(m Mode) (float64, float64) {
	switch m {
	case Mode10:
		return 0, 1
	case Mode01:
		return 1, 0
	case Mode1N1:
		return -1, 1
	default:
		return 1, -1
	}
}

// Linear maps [lo, hi] onto a straight line between the mode's end points.
type Linear struct {
	lo, hi float64
	mode   Mode
}

func NewLinear(lo, hi float64, mode Mode) (*Linear, error) {
	if lo > hi {
		return nil, fmt.Errorf("linear mapper: lo (%v) must not exceed hi (%v)", lo, hi)
	}
	if mode == modeUnset {
		mode = Mode01
	}
	if !mode.valid() {
		return nil, fmt.Errorf("%w: %q", ErrMode, mode)
	}
	return &Linear{lo: lo, hi: hi, mode: mode}, nil
}

func (l *Linear) Map(v any) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return linear(l.lo, l.hi, f, l.mode), nil
}

func linear(lo, hi, v float64, m Mode) float64 {
	atHi, atLo := endpoints(m)
	if v <= lo {
		return atLo
	}
	if v >= hi {
		return atHi
	}
	frac := (v - lo) / (hi - lo)
	return atLo + frac*(atHi-atLo)
}

// DoubleLinear joins two linear mappers at mid.
type DoubleLinear struct {
	lo, mid, hi float64
	mode        Mode
}

func NewDoubleLinear(lo, mid, hi float64, mode Mode) (*DoubleLinear, error) {
	if lo > mid || mid > hi {
		return nil, fmt.Errorf("double linear mapper: need lo <= mid <= hi, got %v, %v, %v", lo, mid, hi)
	}
	if mode == modeUnset {
		mode = Mode01
	}
	if !mode.valid() {
		return nil, fmt.Errorf("%w: %q", ErrMode, mode)
	}
	return &DoubleLinear{lo: lo, mid: mid, hi: hi, mode: mode}, nil
}

func (d *DoubleLinear) Map(v any) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f <= d.mid {
		return linear(d.lo, d.mid, f, d.mode), nil
	}
	return linear(d.mid, d.hi, f, d.mode.reverse()), nil
}

// Gaussian maps by the ratio of the density at v to the peak density.
type Gaussian struct {
	mean, std float64
	mode      Mode
}

func NewGaussian(mean, std float64, mode Mode) (*Gaussian, error) {
	if std <= 0 {
		return nil, fmt.Errorf("gaussian mapper: std must be positive, got %v", std)
	}
	if mode == modeUnset {
		mode = Mode01
	}
	if !mode.valid() {
		return nil, fmt.Errorf("%w: %q", ErrMode, mode)
	}
	return &Gaussian{mean: mean, std: std, mode: mode}, nil
}

func (g *Gaussian) Map(v any) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	z := (f - g.mean) / g.std
	r := math.Exp(-z * z / 2)
	switch g.mode {
	case Mode10:
		return 1 - r, nil
	case Mode01:
		return r, nil
	case Mode1N1:
		return 1 - 2*r, nil
	default:
		return -1 + 2*r, nil
	}
}

// Logistic maps through a sigmoid centred on x0 with steepness k.
type Logistic struct {
	x0, k float64
	mode  Mode
}

func NewLogistic(x0, k float64, mode Mode) (*Logistic, error) {
	if mode == modeUnset {
		mode = Mode01
	}
	if !mode.valid() {
		return nil, fmt.Errorf("%w: %q", ErrMode, mode)
	}
	return &Logistic{x0: x0, k: k, mode: mode}, nil
}

func (l *Logistic) Map(v any) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	mirrored := l.x0 - (f - l.x0)
	switch l.mode {
	case Mode10:
		return logistic(mirrored, l.x0, l.k, 1), nil
	case Mode01:
		return logistic(f, l.x0, l.k, 1), nil
	case Mode1N1:
		return logistic(mirrored, l.x0, l.k, 2) - 1, nil
	default:
		return logistic(f, l.x0, l.k, 2) - 1, nil
	}
}

func logistic(x, x0, k, top float64) float64 {
	return top / (1 + math.Exp(-k*(x-x0)))
}

func clamp(f float64) float64 {
	return math.Max(-1, math.Min(1, f))
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported feature value %T", v)
	}
}
