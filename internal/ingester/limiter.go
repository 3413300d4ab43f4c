package ingester

import (
	"container/heap"
	"context"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ticket is one pending admission request. The watcher closes ready when the
// request may proceed. Smaller priority wins; seq breaks ties in enqueue
// order.
type ticket struct {
	priority int64
	seq      uint64
	ready    chan struct{}
}

type ticketQueue []*ticket

func (q ticketQueue) Len() int { return len(q) }
func (q ticketQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q ticketQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *ticketQueue) Push(x any)   { *q = append(*q, x.(*ticket)) }
func (q *ticketQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// History endpoint rate limit policy, e.g. "30,30;w=60". The two counts and
// the window are matched loosely because the server has emitted variants.
var limitPolicyRe = regexp.MustCompile(`^([0-9]+)[^0-9]+([0-9]+)[^0-9]+w=([0-9]+)$`)

// Limiter is a token bucket whose capacity and refill period are learned
// from history endpoint response headers. Requests are admitted strictly in
// priority order by a watcher goroutine (Run). The zero quota assumption of
// one request per minute holds until the first response teaches better.
type Limiter struct {
	mu            sync.Mutex
	tokens        int
	capacity      int
	period        time.Duration
	nextRefill    time.Time
	policyLearned bool
	queue         ticketQueue
	seq           uint64

	// enqueued wakes the watcher when a ticket arrives while tokens remain;
	// updated wakes it when a response header moved the refill deadline
	// earlier or restored tokens. Both are edge-triggered.
	enqueued chan struct{}
	updated  chan struct{}

	now func() time.Time
}

func NewLimiter() *Limiter {
	return newLimiter(time.Now)
}

func newLimiter(now func() time.Time) *Limiter {
	l := &Limiter{
		tokens:   1,
		capacity: 1,
		period:   time.Minute,
		enqueued: make(chan struct{}, 1),
		updated:  make(chan struct{}, 1),
		now:      now,
	}
	l.nextRefill = now().Add(l.period)
	return l
}

// Acquire enqueues a ticket at the given priority and blocks until the
// watcher admits it or ctx is done. A ticket abandoned on cancellation may
// still be admitted later and waste one token; the run is being torn down at
// that point, so nothing observes it.
func (l *Limiter) Acquire(ctx context.Context, priority int64) error {
	t := &ticket{priority: priority, ready: make(chan struct{})}

	l.mu.Lock()
	t.seq = l.seq
	l.seq++
	heap.Push(&l.queue, t)
	l.mu.Unlock()
	signal(l.enqueued)

	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the watcher loop: admit queued tickets while tokens remain, then
// sleep until the refill deadline (or until a header moves it earlier), then
// refill and repeat. It returns when ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	for {
		for l.admitOne() {
		}

		l.mu.Lock()
		starved := l.tokens == 0
		wait := l.nextRefill.Sub(l.now())
		l.mu.Unlock()

		if !starved {
			// Tokens remain but the queue is empty; wait for a ticket.
			select {
			case <-ctx.Done():
				return
			case <-l.enqueued:
			}
			continue
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-l.updated:
				timer.Stop()
			case <-timer.C:
			}
		}
		l.refill()
	}
}

func (l *Limiter) admitOne() bool {
	l.mu.Lock()
	if l.tokens == 0 || len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	t := heap.Pop(&l.queue).(*ticket)
	l.tokens--
	l.mu.Unlock()

	close(t.ready)
	return true
}

func (l *Limiter) refill() {
	l.mu.Lock()
	now := l.now()
	for !l.nextRefill.After(now) {
		l.tokens = l.capacity
		l.nextRefill = l.nextRefill.Add(l.period)
	}
	l.mu.Unlock()
}

// Observe applies the rate limit headers of one history response:
//
//   - x-ratelimit-limit teaches capacity and period, once per process;
//   - x-ratelimit-reset may move the refill deadline earlier, never later;
//   - x-ratelimit-remaining restores tokens, but only when the bucket is
//     empty, so a stale header cannot inflate a live quota.
func (l *Limiter) Observe(h http.Header) {
	l.mu.Lock()
	wake := false

	if v := h.Get("x-ratelimit-limit"); v != "" && !l.policyLearned {
		if m := limitPolicyRe.FindStringSubmatch(v); m != nil {
			n1, _ := strconv.Atoi(m[1])
			n2, _ := strconv.Atoi(m[2])
			sec, _ := strconv.Atoi(m[3])
			l.capacity = min(n1, n2)
			l.period = time.Duration(sec) * time.Second
			l.policyLearned = true
		} else {
			log.Warn().Str("x-ratelimit-limit", v).Msg("unrecognized rate limit policy, keeping defaults")
		}
	}

	if v := h.Get("x-ratelimit-reset"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
			candidate := l.now().Add(time.Duration(sec) * time.Second)
			if candidate.Before(l.nextRefill) {
				l.nextRefill = candidate
				wake = true
			}
		}
	}

	if v := h.Get("x-ratelimit-remaining"); v != "" && l.tokens == 0 {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			l.tokens = n
			wake = true
		}
	}

	l.mu.Unlock()
	if wake {
		signal(l.updated)
	}
}

// signal performs a non-blocking edge-triggered send.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
