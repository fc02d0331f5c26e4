package throttle

import (
	"log/slog"
	"math"
	"sync"

	"github.com/gomsgbus/throttle/internal/util"
)

// idleThresholdMillis is the quiet period after which DynamicPolicy contracts its window toward
// current load, on the theory that a long-idle client shouldn't retain an inflated window.
const idleThresholdMillis int64 = 60_000

// DynamicPolicy is a closed-loop throttle that probes for the system's throughput ceiling and
// adjusts a fractional pending-message window to track it. See the package doc for the admission
// contract; see Builder-style setters below for the tunables.
//
// A DynamicPolicy is driven by exactly one session: CanSend, ProcessMessage, and ProcessReply must
// be called serially with a happens-before relation between them. The internal mutex exists only
// to make the type safe to expose to a session whose I/O loop spans goroutines; it is not a
// concurrency feature of the algorithm itself.
type DynamicPolicy struct {
	clock  util.Clock
	base   StaticPolicy
	logger *slog.Logger

	mu sync.Mutex

	// Guarded by mu.
	windowSize          float64
	minWindow           float64
	maxWindow           float64
	windowSizeIncrement float64
	decrementFactor     float64
	windowSizeBackOff   float64
	resizeRate          float64
	efficiencyThreshold float64
	weight              float64 // stored as sqrt(configured)
	maxThroughput       float64
	localMaxThroughput  float64

	numSent uint64
	numOk   uint64

	resizeTime        int64
	timeOfLastMessage int64
}

var _ Policy = (*DynamicPolicy)(nil)

// Option configures a DynamicPolicy at construction time.
type Option func(*DynamicPolicy)

// WithClock injects the monotonic timer used for idle detection and interval timing. Defaults to
// util.WallClock.
func WithClock(clock util.Clock) Option {
	return func(p *DynamicPolicy) { p.clock = clock }
}

// WithBasePolicy injects the static hard-ceiling policy consumed by CanSend and tightened by
// SetMaxPendingCount. Defaults to an unbounded StaticPolicy (no ceiling beyond maxWindow).
func WithBasePolicy(base StaticPolicy) Option {
	return func(p *DynamicPolicy) { p.base = base }
}

// WithLogger enables debug logging of window resize decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(p *DynamicPolicy) { p.logger = logger }
}

// New returns a DynamicPolicy initialized to the defaults: a window and increment of 20, an
// unbounded max window, a resize rate of 3 window-fulls per interval, an efficiency threshold of
// 1.0, a decrement factor of 2, a back-off factor of 0.9, and unit weight.
func New(opts ...Option) *DynamicPolicy {
	p := &DynamicPolicy{
		clock:               util.WallClock,
		windowSize:          20.0,
		minWindow:           20.0,
		maxWindow:           math.MaxInt32,
		windowSizeIncrement: 20.0,
		decrementFactor:     2.0,
		windowSizeBackOff:   0.9,
		resizeRate:          3,
		efficiencyThreshold: 1.0,
		weight:              1.0,
		localMaxThroughput:  0,
		maxThroughput:       0,
		resizeTime:          0,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.base == nil {
		p.base = NewStaticPolicy(int(p.maxWindow))
	}
	p.timeOfLastMessage = p.clock.CurrentTimeMillis()
	return p
}

// CanSend implements Policy. It first consults the base static policy, then contracts the window
// after a long idle period, then admits via the fractional carry test: a window of 20.4 admits the
// 21st in-flight message on roughly 40% of the messages sent during the measurement interval, so
// that average pending tracks windowSize rather than its floor.
func (p *DynamicPolicy) CanSend(pendingCount int) bool {
	if !p.base.CanSend(pendingCount) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.clock.CurrentTimeMillis()
	if t-p.timeOfLastMessage > idleThresholdMillis {
		newSize := float64(pendingCount) + p.windowSizeIncrement
		if newSize < p.windowSize {
			p.windowSize = newSize
			p.logResize("idle-contracted", "pendingCount", pendingCount)
		}
	}
	p.timeOfLastMessage = t

	wFloor := math.Floor(p.windowSize)
	frac := p.windowSize - wFloor
	carry := float64(p.numSent) < (p.windowSize*p.resizeRate)*frac
	if carry {
		return float64(pendingCount) < wFloor+1
	}
	return float64(pendingCount) < wFloor
}

// ProcessMessage implements Policy. It accounts the send against the current measurement
// interval, closing and resizing the window once enough sends have accumulated.
func (p *DynamicPolicy) ProcessMessage() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.numSent++
	if float64(p.numSent) >= p.windowSize*p.resizeRate {
		p.resize()
	}
}

// ProcessReply implements Policy. Only error-free replies count toward throughput; errored
// replies still consumed a window slot via ProcessMessage but earn no credit here, which couples
// a rising transport error rate to a shrinking window (see resize's efficiency branch).
func (p *DynamicPolicy) ProcessReply(err error) {
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.numOk++
}

// resize closes the current measurement interval and updates windowSize. Must be called with mu
// held.
func (p *DynamicPolicy) resize() {
	t := p.clock.CurrentTimeMillis()
	elapsed := t - p.resizeTime
	p.resizeTime = t

	numOk := p.numOk
	p.numSent = 0
	p.numOk = 0

	if elapsed <= 0 {
		// A zero or negative delta is a measurement artifact (coarse timer resolution, or a
		// clock that does not advance). Skip this round rather than divide by zero; the next
		// interval will have a meaningful elapsed time.
		p.logResize("zero-elapsed")
		return
	}

	throughput := float64(numOk) / float64(elapsed)

	switch {
	case p.maxThroughput > 0 && throughput > 0.95*p.maxThroughput:
		p.logResize("pinned", "throughput", throughput)
		return
	case throughput >= p.localMaxThroughput:
		p.localMaxThroughput = throughput
		p.windowSize += p.weight * p.windowSizeIncrement
		p.logResize("probe", "throughput", throughput)
	default:
		// A throughput of exactly zero (every reply in the interval errored) would otherwise spin
		// the loop below forever trying to scale a zero numerator into the 0..2 neighborhood.
		// Treat it as the worst possible efficiency instead.
		efficiency := 0.0
		if throughput > 0 {
			period := 1.0
			for throughput*period/p.windowSize < 2 {
				period *= 10
			}
			for throughput*period/p.windowSize > 2 {
				period *= 0.1
			}
			efficiency = throughput * period / p.windowSize
		}
		if efficiency < p.efficiencyThreshold {
			p.windowSize = math.Min(p.windowSize*p.windowSizeBackOff, p.windowSize-p.decrementFactor*p.windowSizeIncrement)
			p.localMaxThroughput = 0
			p.logResize("backoff", "efficiency", efficiency)
		} else {
			p.windowSize += p.weight * p.windowSizeIncrement
			p.logResize("probe", "efficiency", efficiency)
		}
	}

	p.windowSize = math.Max(p.minWindow, math.Min(p.maxWindow, p.windowSize))
}

func (p *DynamicPolicy) logResize(branch string, args ...any) {
	if p.logger == nil || !p.logger.Enabled(nil, slog.LevelDebug) {
		return
	}
	allArgs := append([]any{"branch", branch, "windowSize", p.windowSize}, args...)
	p.logger.Debug("resize", allArgs...)
}

// SetWindowSizeIncrement sets the additive probe step, then re-initializes windowSize to
// max(minWindow, increment), matching the starting window a fresh configuration would produce.
func (p *DynamicPolicy) SetWindowSizeIncrement(x float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windowSizeIncrement = x
	p.windowSize = math.Max(p.minWindow, x)
	return p
}

// SetMinWindowSize sets the lower clamp on windowSize, then re-initializes windowSize the same way
// SetWindowSizeIncrement does.
func (p *DynamicPolicy) SetMinWindowSize(x float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minWindow = x
	p.windowSize = math.Max(p.minWindow, p.windowSizeIncrement)
	return p
}

// SetMaxWindowSize sets the upper clamp on windowSize.
func (p *DynamicPolicy) SetMaxWindowSize(x float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxWindow = x
	return p
}

// SetMaxPendingCount tightens the base static policy's hard ceiling and sets maxWindow to match.
func (p *DynamicPolicy) SetMaxPendingCount(n int) *DynamicPolicy {
	p.mu.Lock()
	p.maxWindow = float64(n)
	base := p.base
	p.mu.Unlock()
	base.SetMaxPendingCount(n)
	return p
}

// SetWeight stores sqrt(w) as the per-client scaling of the additive probe step. Clients with
// relative weights w1, w2 converge on windows that grow at ratio sqrt(w1):sqrt(w2), since each
// probe step scales additively by sqrt(weight).
func (p *DynamicPolicy) SetWeight(w float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weight = math.Sqrt(w)
	return p
}

// SetWindowSizeBackOff sets the multiplicative contraction floor used on back-off, clamped to
// [0, 1].
func (p *DynamicPolicy) SetWindowSizeBackOff(b float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windowSizeBackOff = math.Max(0, math.Min(1, b))
	return p
}

// SetEfficiencyThreshold sets the efficiency floor below which resize declares a regression.
func (p *DynamicPolicy) SetEfficiencyThreshold(x float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.efficiencyThreshold = x
	return p
}

// SetResizeRate sets the number of window-fulls per measurement interval.
func (p *DynamicPolicy) SetResizeRate(x float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizeRate = x
	return p
}

// SetWindowSizeDecrementFactor sets the relative additive step used when backing off.
func (p *DynamicPolicy) SetWindowSizeDecrementFactor(x float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decrementFactor = x
	return p
}

// SetMaxThroughput sets the known throughput ceiling, if any, above which probing is suppressed.
// Pass 0 to clear it.
func (p *DynamicPolicy) SetMaxThroughput(x float64) *DynamicPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxThroughput = x
	return p
}

// GetMaxPendingCount returns floor(windowSize), the policy's current target upper bound on
// pending count.
func (p *DynamicPolicy) GetMaxPendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(math.Floor(p.windowSize))
}

// GetMinWindowSize returns the configured lower clamp on windowSize.
func (p *DynamicPolicy) GetMinWindowSize() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minWindow
}

// GetMaxWindowSize returns the configured upper clamp on windowSize.
func (p *DynamicPolicy) GetMaxWindowSize() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxWindow
}

// GetWindowSizeIncrement returns the additive probe step.
func (p *DynamicPolicy) GetWindowSizeIncrement() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windowSizeIncrement
}

// GetWindowSizeBackOff returns the configured back-off factor.
func (p *DynamicPolicy) GetWindowSizeBackOff() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windowSizeBackOff
}

// WindowSize returns the current, possibly fractional, window size. Exposed for diagnostics and
// tests; GetMaxPendingCount is the reporting API spec.md names.
func (p *DynamicPolicy) WindowSize() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.windowSize
}
