package smooth

import (
	"math"
	"sync"
	"time"
)

const (
	// interpolation rate = |Δqueue| * speedChangeFactor + minSpeedChangeRate
	speedChangeFactor  = 0.0008
	minSpeedChangeRate = 0.005
)

// BatchFunc receives the runes released by one frame and the full text so far.
type BatchFunc func(delta, text string)

// Queue is an adaptive-rate FIFO of runes drained by a frame loop.
//
// Speeds are in runes per second. Each frame the target speed is
// max(base, pending), and the current speed moves toward it at a rate that
// grows with how much the backlog changed since the previous frame.
type Queue struct {
	scheduler Scheduler
	onBatch   BatchFunc

	mu           sync.Mutex
	pending      []rune
	revealed     []rune
	baseSpeed    float64
	speed        float64
	lastQueueLen int
	accumulated  float64 // ms not yet converted into runes
	lastFrame    time.Time
	firstFrame   time.Duration

	started bool // StartAnimation was called at least once
	running bool
	halted  bool
	done    chan struct{} // closed when the current loop exits
	halt    chan struct{} // closed by StopAnimation
}

// NewQueue creates an idle queue. onBatch is called from the drain goroutine,
// never concurrently with itself and never with an empty delta.
func NewQueue(scheduler Scheduler, onBatch BatchFunc) *Queue {
	if scheduler == nil {
		scheduler = NewIntervalScheduler(DefaultFrameInterval)
	}
	firstFrame := DefaultFrameInterval
	if s, ok := scheduler.(*IntervalScheduler); ok {
		firstFrame = s.interval
	}
	return &Queue{
		scheduler:  scheduler,
		onBatch:    onBatch,
		firstFrame: firstFrame,
		halt:       make(chan struct{}),
	}
}

// PushToQueue appends text. If the loop was started and has since drained,
// the push restarts it.
func (q *Queue) PushToQueue(text string) {
	if text == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted {
		return
	}
	q.pending = append(q.pending, []rune(text)...)
	if q.started && !q.running {
		q.startLocked()
	}
}

// StartAnimation starts the drain loop at the given base speed, or updates
// the base speed of a running loop. The returned channel is closed once the
// loop exits, either because the queue drained or because it was halted.
func (q *Queue) StartAnimation(speed float64) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if speed > 0 {
		q.baseSpeed = speed
	}
	if q.baseSpeed <= 0 {
		q.baseSpeed = 1
	}
	q.started = true

	if q.running || (q.halted || len(q.pending) == 0) {
		// The last loop may still be delivering its final batch.
		if q.done != nil {
			return q.done
		}
		return closedChan()
	}
	q.startLocked()
	return q.done
}

// StopAnimation halts the queue immediately. Pending runes are dropped and
// later pushes are ignored. Safe to call more than once.
func (q *Queue) StopAnimation() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted {
		return
	}
	q.halted = true
	q.pending = nil
	close(q.halt)
}

// StopOn halts the queue once done is closed.
func (q *Queue) StopOn(done <-chan struct{}) {
	go func() {
		select {
		case <-done:
			q.StopAnimation()
		case <-q.halt:
		}
	}()
}

// Text returns everything revealed so far.
func (q *Queue) Text() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return string(q.revealed)
}

// Pending returns the number of runes waiting to be revealed.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Halted reports whether StopAnimation was called.
func (q *Queue) Halted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

func (q *Queue) startLocked() {
	if q.speed <= 0 {
		q.speed = q.baseSpeed
	}
	q.running = true
	q.lastFrame = time.Time{}
	prev := q.done
	q.done = make(chan struct{})
	frames, stop := q.scheduler.Start()
	go q.loop(prev, frames, stop, q.done)
}

func (q *Queue) loop(prev <-chan struct{}, frames <-chan time.Time, stop func(), done chan struct{}) {
	defer close(done)
	defer stop()

	// Batches stay ordered across restarts.
	if prev != nil {
		<-prev
	}

	for {
		select {
		case <-q.halt:
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			return
		case now := <-frames:
			delta, text, drained := q.frame(now)
			if delta != "" && q.onBatch != nil {
				q.onBatch(delta, text)
			}
			if drained {
				return
			}
		}
	}
}

// frame advances the loop by one frame and reports what it released.
func (q *Queue) frame(now time.Time) (delta, text string, drained bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.halted {
		q.running = false
		return "", "", true
	}

	elapsed := q.firstFrame
	if !q.lastFrame.IsZero() {
		elapsed = now.Sub(q.lastFrame)
	}
	q.lastFrame = now
	if elapsed < 0 {
		elapsed = 0
	}

	queueLen := len(q.pending)
	if queueLen == 0 {
		q.drainedLocked()
		return "", "", true
	}

	target := math.Max(q.baseSpeed, float64(queueLen))
	rate := math.Abs(float64(queueLen-q.lastQueueLen))*speedChangeFactor + minSpeedChangeRate
	rate = math.Min(rate, 1) // never overshoot the target
	q.speed += (target - q.speed) * rate
	q.lastQueueLen = queueLen

	q.accumulated += float64(elapsed) / float64(time.Millisecond)
	n := int(math.Floor(q.accumulated * q.speed / 1000))
	if n <= 0 {
		return "", "", false
	}
	if n > queueLen {
		n = queueLen
	}
	q.accumulated -= float64(n) * 1000 / q.speed

	released := q.pending[:n]
	q.revealed = append(q.revealed, released...)
	q.pending = append([]rune(nil), q.pending[n:]...)
	delta = string(released)
	text = string(q.revealed)

	if len(q.pending) == 0 {
		q.drainedLocked()
		return delta, text, true
	}
	return delta, text, false
}

func (q *Queue) drainedLocked() {
	q.running = false
	q.accumulated = 0
	q.lastQueueLen = 0
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
