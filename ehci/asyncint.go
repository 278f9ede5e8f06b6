// EHCI host controller driver
// https://github.com/usbarmory/ehci-hcd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// asyncIntervalDefault is the async-interrupt poller's own wake-up
// period, independent of any single URB's polling interval, per
// spec.md §4.E "Runs at callback priority from a periodic timer
// (default 50 ms)".
const asyncIntervalDefault = 50 * time.Millisecond

// maxConsecutiveErrors leaves an async-interrupt URB inactive after this
// many back-to-back failed completions (any Result other than NoError),
// per spec.md §4.E's retry policy.
const maxConsecutiveErrors = 2

// asyncPoller drives the controller's async-interrupt list. It is
// rate-limited rather than driven by a raw ticker so that a burst of
// Submit/Cancel calls arriving between ticks cannot starve the
// lower-priority poller goroutine, mirroring the "callback priority"
// admission discipline of spec.md §5 with golang.org/x/time/rate instead
// of a bespoke token bucket.
type asyncPoller struct {
	mu       sync.Mutex
	sched    *scheduler
	limiter  *rate.Limiter
	urbs     map[*urb]bool
	stop     chan struct{}
	stopped  chan struct{}
	priority *priorityLevel
}

func newAsyncPoller(sched *scheduler, priority *priorityLevel) *asyncPoller {
	return &asyncPoller{
		sched:    sched,
		limiter:  rate.NewLimiter(rate.Every(asyncIntervalDefault), 1),
		urbs:     make(map[*urb]bool),
		priority: priority,
	}
}

// start launches the poller goroutine. It is idempotent: calling it
// while already running is a no-op.
func (p *asyncPoller) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stop != nil {
		return
	}

	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})

	go p.run(p.stop, p.stopped)
}

func (p *asyncPoller) stopPoller() {
	p.mu.Lock()
	stop := p.stop
	stopped := p.stopped
	p.stop = nil
	p.stopped = nil
	p.mu.Unlock()

	if stop == nil {
		return
	}

	close(stop)
	<-stopped
}

func (p *asyncPoller) add(u *urb) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.urbs[u] = true
}

func (p *asyncPoller) remove(u *urb) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.urbs, u)
}

func (p *asyncPoller) run(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := p.limiter.Wait(waiterContext(stop)); err != nil {
			return
		}

		p.tick()
	}
}

// tick examines every async-interrupt URB once. Callback invocation
// happens with the elevated priority already dropped, per spec.md
// §4.E's "MUST NOT be invoked while holding the elevated priority".
func (p *asyncPoller) tick() {
	p.mu.Lock()
	snapshot := make([]*urb, 0, len(p.urbs))

	for u := range p.urbs {
		snapshot = append(snapshot, u)
	}

	p.mu.Unlock()

	for _, u := range snapshot {
		p.tickOne(u)
	}
}

func (p *asyncPoller) tickOne(u *urb) {
	token := p.priority.raise()

	done := complete(u)

	var (
		result    Result
		completed int
		buf       []byte
	)

	if done {
		result, completed = outcome(u)

		if result == ResultNoError && u.data != nil {
			buf = make([]byte, len(u.buf))
			copy(buf, u.buf)
		}

		if result == ResultNoError {
			u.errs = 0
			reactivate(p.sched, u)
		} else {
			u.errs++
			recordCallbackError()

			if u.errs < maxConsecutiveErrors {
				reactivate(p.sched, u)
			} else {
				debugf("async-interrupt URB on qh %#x left inactive after %d errors", u.qh.busAddr, u.errs)
				p.remove(u)
			}
		}
	}

	p.priority.restore(token)

	if done && u.callback != nil {
		u.callback(buf, completed, result)
	}
}

// reactivate rebuilds the QTD chain in place with a fresh, continued
// data toggle and re-arms the QH overlay, per spec.md §4.E "reinitialize
// the QTD chain with fresh toggle and reactivate". The chain's
// descriptor memory and bus addresses are reused; only the token fields
// change.
func reactivate(sched *scheduler, u *urb) {
	toggle := u.toggle

	for i, t := range u.chain {
		fresh, err := makeQTD(t.pid, toggle, t.pages[0], t.initialBytes, i == len(u.chain)-1)

		if err != nil {
			return
		}

		fresh.busAddr = t.busAddr
		fresh.mem = t.mem
		u.chain[i] = fresh
		toggle ^= 1
	}

	u.toggle = toggle

	for i := 0; i < len(u.chain)-1; i++ {
		appendQTD(u.chain[i], u.chain[i+1])
	}

	for _, t := range u.chain {
		t.sync()
	}

	u.qh.overlay.next = qtdLink{addr: u.chain[0].busAddr}
	u.qh.overlay.active = false
	u.qh.overlay.dataToggle = u.chain[0].dataToggle
	u.qh.sync()
}

// stopContext adapts a stop channel into the context.Context the rate
// limiter's Wait expects, without pulling in a full context tree for a
// single done-channel.
type stopContext struct {
	stop <-chan struct{}
}

func (stopContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c stopContext) Done() <-chan struct{}     { return c.stop }
func (c stopContext) Err() error {
	select {
	case <-c.stop:
		return context.Canceled
	default:
		return nil
	}
}
func (stopContext) Value(key interface{}) interface{} { return nil }

func waiterContext(stop <-chan struct{}) stopContext {
	return stopContext{stop}
}
