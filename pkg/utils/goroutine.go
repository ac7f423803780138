// Package utils holds test helpers shared by the engine's packages.
package utils

import (
	"runtime"
	"strings"
	"time"
)

// enginePackages marks goroutines started by this module in stack dumps
const enginePackages = "mcp-engine/pkg/"

// Reporter is the part of testing.TB the detector uses
type Reporter interface {
	Helper()
	Errorf(format string, args ...interface{})
	Logf(format string, args ...interface{})
}

// GoroutineLeakDetector fails a test whose goroutine count does not return
// to its starting value. Transports, clients and servers start reader and
// dispatch goroutines that must all exit on Close or Stop.
type GoroutineLeakDetector struct {
	t             Reporter
	initialCount  int
	allowedGrowth int
	settle        time.Duration
	timeout       time.Duration
}

// NewGoroutineLeakDetector creates a detector reporting to t
func NewGoroutineLeakDetector(t Reporter) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:       t,
		settle:  50 * time.Millisecond,
		timeout: 2 * time.Second,
	}
}

// SetAllowedGrowth tolerates n extra goroutines at Check
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets how long the count must hold still to be read
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.settle = delay
	return d
}

// SetTimeout bounds how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.timeout = timeout
	return d
}

// Start records the baseline once the count is stable
func (d *GoroutineLeakDetector) Start() {
	d.initialCount = d.stableCount(func(int) bool { return false })
}

// Check waits for the count to drop back to the baseline and reports the
// engine goroutines still running when it does not
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()
	limit := d.initialCount + d.allowedGrowth
	final := d.stableCount(func(n int) bool { return n <= limit })
	if final <= limit {
		return
	}
	d.t.Errorf("goroutine leak: started with %d, ended with %d (allowed growth %d)",
		d.initialCount, final, d.allowedGrowth)
	if stacks := engineStacks(); stacks != "" {
		d.t.Logf("engine goroutines still running:\n%s", stacks)
	}
}

// stableCount polls until done accepts the count or the count has not
// changed for the settle period, giving up after the timeout
func (d *GoroutineLeakDetector) stableCount(done func(int) bool) int {
	deadline := time.Now().Add(d.timeout)
	last := runtime.NumGoroutine()
	stableSince := time.Now()
	for {
		if done(last) {
			return last
		}
		if time.Since(stableSince) >= d.settle || time.Now().After(deadline) {
			return last
		}
		time.Sleep(d.settle / 5)
		if n := runtime.NumGoroutine(); n != last {
			last = n
			stableSince = time.Now()
		}
	}
}

// engineStacks returns the stacks of goroutines running code of this module
func engineStacks() string {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	var out []string
	for _, g := range strings.Split(string(buf[:n]), "\n\n") {
		if strings.Contains(g, enginePackages) && !strings.Contains(g, "utils.engineStacks") {
			out = append(out, g)
		}
	}
	return strings.Join(out, "\n\n")
}
