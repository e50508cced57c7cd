package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishenli/investment-agent/ai/smooth"
)

type countingGuard struct {
	engaged, released int
}

func (g *countingGuard) Engage()  { g.engaged++ }
func (g *countingGuard) Release() { g.released++ }

func TestToggle(t *testing.T) {
	guard := &countingGuard{}
	r := New(guard)

	h1 := r.Toggle(Generation, true, "a")
	h2 := r.Toggle(Generation, true, "b")
	require.NotNil(t, h1)
	assert.Same(t, h1, h2, "one live handle per class")
	assert.Equal(t, Generation, h1.Class())
	assert.Equal(t, []string{"a", "b"}, r.IDs(Generation))
	assert.Equal(t, 1, guard.engaged)

	r.Toggle(Reasoning, true, "a")
	assert.True(t, r.Active(Reasoning, "a"))
	assert.True(t, r.Active(Generation, "a"))

	assert.Nil(t, r.Toggle(Generation, false, "a"))
	assert.Same(t, h1, r.Handle(Generation), "handle survives while ids remain")
	r.Toggle(Generation, false, "b")
	assert.Nil(t, r.Handle(Generation))
	assert.False(t, h1.Aborted(), "releasing is not aborting")
	assert.True(t, r.Active(Reasoning, "a"), "other classes are untouched")
	assert.Zero(t, guard.released)

	r.Toggle(Reasoning, false, "")
	assert.False(t, r.AnyActive())
	assert.Equal(t, 1, guard.released)

	h3 := r.Toggle(Generation, true, "c")
	assert.NotSame(t, h1, h3)
	assert.Equal(t, 2, guard.engaged)
}

func TestCancel(t *testing.T) {
	r := New(nil)
	h := r.Toggle(Generation, true, "a")
	late := r.Toggle(Generation, true, "late")
	assert.Same(t, h, late)

	assert.True(t, r.Cancel(Generation))
	assert.True(t, h.Aborted())
	assert.ErrorIs(t, h.Context().Err(), context.Canceled)
	select {
	case <-late.Done():
	default:
		t.Fatal("operations registered after the handle was created share the abort")
	}
	assert.Empty(t, r.IDs(Generation))

	assert.False(t, r.Cancel(Generation), "canceling a cleared class is a no-op")
	assert.False(t, r.Cancel(SearchWorkflow))
}

func TestCancelAll(t *testing.T) {
	r := New(nil)
	r.Toggle(Generation, true, "a")
	r.Toggle(ToolCallingStream, true, "a")
	assert.Equal(t, 2, r.CancelAll())
	assert.False(t, r.AnyActive())
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass("reasoning")
	require.NoError(t, err)
	assert.Equal(t, Reasoning, c)

	_, err = ParseClass("everything")
	assert.Error(t, err)
}

type tickScheduler struct{ frames chan time.Time }

func (s *tickScheduler) Start() (<-chan time.Time, func()) { return s.frames, func() {} }

func TestClassScopedCancellation(t *testing.T) {
	r := New(nil)

	gen1 := r.Toggle(Generation, true, "m1")
	gen2 := r.Toggle(Generation, true, "m2")
	reasoning := r.Toggle(Reasoning, true, "m3")

	sched := &tickScheduler{frames: make(chan time.Time)}
	q1 := smooth.NewQueue(sched, nil)
	q2 := smooth.NewQueue(sched, nil)
	q3 := smooth.NewQueue(sched, nil)
	q1.StopOn(gen1.Done())
	q2.StopOn(gen2.Done())
	q3.StopOn(reasoning.Done())

	q3.PushToQueue("thinking about cash flows")
	done3 := q3.StartAnimation(30)

	require.True(t, r.Cancel(Generation))
	require.Eventually(t, func() bool { return q1.Halted() && q2.Halted() }, time.Second, time.Millisecond)

	assert.False(t, q3.Halted())
	assert.True(t, r.Active(Reasoning, "m3"))

	now := time.Unix(0, 0)
	for {
		now = now.Add(smooth.DefaultFrameInterval)
		select {
		case sched.frames <- now:
			continue
		case <-done3:
		case <-time.After(time.Second):
			t.Fatal("reasoning queue stalled")
		}
		break
	}
	assert.Equal(t, "thinking about cash flows", q3.Text())
}
