package throttle

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gomsgbus/throttle/internal/testutil"
)

func newTestPolicy(clock *testutil.ManualClock) *DynamicPolicy {
	return New(WithClock(clock))
}

// drive sends n messages, replying to each with replyErr, advancing the clock by msPerStep before
// each send.
func drive(p *DynamicPolicy, clock *testutil.ManualClock, n int, msPerStep int64, replyErr error) {
	for i := 0; i < n; i++ {
		clock.Advance(msPerStep)
		p.ProcessMessage()
		p.ProcessReply(replyErr)
	}
}

func TestDynamicPolicy_SteadyProbeUp(t *testing.T) {
	// Given a fresh policy with the default window of 20 and resizeRate of 3
	clock := testutil.NewManualClock(0)
	p := newTestPolicy(clock)

	// When 60 messages are sent and all reply without error
	drive(p, clock, 60, 1, nil)

	// Then the window probes up by one increment and records a positive local maximum
	assert.Equal(t, 40.0, p.WindowSize())
	assert.Greater(t, p.localMaxThroughput, 0.0)
	// The interval boundary closes inside the 60th ProcessMessage call, which resets numSent and
	// numOk to 0; the 60th reply is recorded immediately afterward, leaving numOk at 1.
	assert.Equal(t, uint64(0), p.numSent)
	assert.Equal(t, uint64(1), p.numOk)
}

func TestDynamicPolicy_BackOffOnEfficiencyDrop(t *testing.T) {
	// Given a policy that has already probed up to a window of 40
	clock := testutil.NewManualClock(0)
	p := newTestPolicy(clock)
	drive(p, clock, 60, 1, nil)
	assert.Equal(t, 40.0, p.WindowSize())

	// When the next interval's throughput drops sharply: only one reply in four succeeds and each
	// send takes 2ms, so the interval (threshold is now windowSize*resizeRate = 120 sends) closes
	// with 31 successes over 240ms, against 59 over 60ms in the first interval
	for i := 0; i < 120; i++ {
		clock.Advance(2)
		p.ProcessMessage()
		if i%4 == 0 {
			p.ProcessReply(nil)
		} else {
			p.ProcessReply(errors.New("boom"))
		}
	}

	// Then the window contracts and is clamped to minWindow, and the probing epoch resets
	assert.Equal(t, p.GetMinWindowSize(), p.WindowSize())
	assert.Equal(t, 0.0, p.localMaxThroughput)
}

func TestDynamicPolicy_MaxThroughputPinning(t *testing.T) {
	// Given a policy configured with a known throughput ceiling
	clock := testutil.NewManualClock(0)
	p := newTestPolicy(clock)
	p.SetMaxThroughput(1.0)
	before := p.WindowSize()

	// When an interval's throughput lands within 5% of the ceiling: 59 of the 60 sends that close
	// the interval get a recorded reply before the boundary send triggers resize, giving a
	// throughput of 59/60 ~= 0.98
	threshold := int(p.WindowSize() * p.resizeRate)
	for i := 0; i < threshold; i++ {
		clock.Advance(1)
		p.ProcessMessage()
		p.ProcessReply(nil)
	}

	// Then the window is unchanged
	assert.Equal(t, before, p.WindowSize())
}

func TestDynamicPolicy_IdleContraction(t *testing.T) {
	// Given a policy whose window has grown to 100
	clock := testutil.NewManualClock(0)
	p := newTestPolicy(clock)
	p.mu.Lock()
	p.windowSize = 100
	p.mu.Unlock()

	// When over 60 seconds pass with no activity and a new message is offered
	clock.Advance(60_001)
	allowed := p.CanSend(5)

	// Then the window contracts to pendingCount + increment and the admission reflects it
	assert.Equal(t, 25.0, p.WindowSize())
	assert.True(t, allowed)
}

func TestDynamicPolicy_WeightScaling(t *testing.T) {
	// Given two policies that differ only in configured weight
	clockA := testutil.NewManualClock(0)
	a := newTestPolicy(clockA)
	a.SetWeight(1)
	initial := a.WindowSize()

	clockB := testutil.NewManualClock(0)
	b := newTestPolicy(clockB)
	b.SetWeight(4)

	// When both are driven through the same probing intervals
	drive(a, clockA, 60, 1, nil)
	drive(b, clockB, 60, 1, nil)

	// Then B's window grows twice as fast as A's, since sqrt(4) = 2*sqrt(1)
	deltaA := a.WindowSize() - initial
	deltaB := b.WindowSize() - initial
	assert.InDelta(t, 2*deltaA, deltaB, 1e-9)
}

func TestDynamicPolicy_BasePolicyVeto(t *testing.T) {
	// Given a policy with a tightened static cap
	clock := testutil.NewManualClock(0)
	p := newTestPolicy(clock)
	p.SetMaxPendingCount(10)

	// When pendingCount has already reached the cap
	allowed := p.CanSend(10)

	// Then the send is denied regardless of windowSize
	assert.False(t, allowed)
}

func TestDynamicPolicy_CanSendWithNoProcessMessageIsIdempotent(t *testing.T) {
	// Given a fresh policy
	clock := testutil.NewManualClock(0)
	p := newTestPolicy(clock)

	// When CanSend is called repeatedly with no intervening ProcessMessage
	for i := 0; i < 5; i++ {
		p.CanSend(0)
	}

	// Then numSent is unaffected
	assert.Equal(t, uint64(0), p.numSent)
}

func TestDynamicPolicy_WindowStaysWithinBounds(t *testing.T) {
	// Given a policy bounded to a small range
	clock := testutil.NewManualClock(0)
	p := New(WithClock(clock))
	p.SetMinWindowSize(5)
	p.SetWindowSizeIncrement(5)
	p.SetMaxWindowSize(50)

	// When driven through many probing and backing-off intervals
	for round := 0; round < 30; round++ {
		threshold := int(p.WindowSize() * p.resizeRate)
		for i := 0; i < threshold; i++ {
			clock.Advance(1)
			p.ProcessMessage()
			if round%2 == 0 {
				p.ProcessReply(nil)
			} else {
				p.ProcessReply(errors.New("fail"))
			}
		}
	}

	// Then windowSize never leaves [minWindow, maxWindow]
	ws := p.WindowSize()
	assert.GreaterOrEqual(t, ws, p.GetMinWindowSize())
	assert.LessOrEqual(t, ws, p.GetMaxWindowSize())
}

func TestDynamicPolicy_SetWindowSizeBackOffClamps(t *testing.T) {
	p := New()

	p.SetWindowSizeBackOff(5)
	assert.Equal(t, 1.0, p.GetWindowSizeBackOff())

	p.SetWindowSizeBackOff(-5)
	assert.Equal(t, 0.0, p.GetWindowSizeBackOff())

	p.SetWindowSizeBackOff(0.42)
	assert.Equal(t, 0.42, p.GetWindowSizeBackOff())
}

func TestDynamicPolicy_GetMaxPendingCountIsFloor(t *testing.T) {
	p := New()
	p.mu.Lock()
	p.windowSize = 20.7
	p.mu.Unlock()
	assert.Equal(t, 20, p.GetMaxPendingCount())
}

func TestDynamicPolicy_ZeroElapsedIntervalDoesNotPanic(t *testing.T) {
	// Given a policy whose clock never advances
	clock := testutil.NewManualClock(1000)
	p := newTestPolicy(clock)
	p.mu.Lock()
	p.resizeTime = 1000
	p.mu.Unlock()

	// When an interval boundary is crossed without the clock moving
	threshold := int(p.WindowSize() * p.resizeRate)
	assert.NotPanics(t, func() {
		for i := 0; i < threshold; i++ {
			p.ProcessMessage()
			p.ProcessReply(nil)
		}
	})

	// Then the window is left untouched and stays finite
	assert.False(t, math.IsNaN(p.WindowSize()))
	assert.False(t, math.IsInf(p.WindowSize(), 0))
}

func TestStaticPolicy_CanSend(t *testing.T) {
	base := NewStaticPolicy(3)
	assert.True(t, base.CanSend(0))
	assert.True(t, base.CanSend(2))
	assert.False(t, base.CanSend(3))

	base.SetMaxPendingCount(1)
	assert.False(t, base.CanSend(1))
	assert.True(t, base.CanSend(0))
}
