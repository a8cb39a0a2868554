package observable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectIsHot(t *testing.T) {
	s := NewSubject[int]()
	s.Emit(1)

	var got []int
	unsubscribe := s.Subscribe(func(v int) { got = append(got, v) })
	s.Emit(2)
	s.Emit(3)
	unsubscribe()
	unsubscribe()
	s.Emit(4)

	assert.Equal(t, []int{2, 3}, got)
	assert.Equal(t, 0, s.Len())
}

func TestSubjectUnsubscribeDuringEmit(t *testing.T) {
	s := NewSubject[string]()
	var calls int
	var unsubscribe func()
	unsubscribe = s.Subscribe(func(string) {
		calls++
		unsubscribe()
	})
	s.Emit("a")
	s.Emit("b")
	assert.Equal(t, 1, calls)
}

func TestBehaviorReplaysCurrent(t *testing.T) {
	b := NewBehavior("initial")
	b.Set("second")

	var first, second []string
	b.Subscribe(func(v string) { first = append(first, v) })
	b.Set("third")
	b.Subscribe(func(v string) { second = append(second, v) })

	assert.Equal(t, []string{"second", "third"}, first)
	assert.Equal(t, []string{"third"}, second)
	assert.Equal(t, "third", b.Value())
}

func TestBehaviorUpdate(t *testing.T) {
	b := NewBehavior(1)
	var seen []int
	b.Subscribe(func(v int) { seen = append(seen, v) })
	assert.Equal(t, 3, b.Update(func(v int) int { return v + 2 }))
	assert.Equal(t, []int{1, 3}, seen)
}

func TestBehaviorSubscribersNeverSeeOlderValues(t *testing.T) {
	const last = 500
	b := NewBehavior(0)

	type recorder struct {
		mu   sync.Mutex
		seen []int
	}
	recorders := make([]*recorder, 50)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= last; i++ {
			b.Set(i)
		}
	}()
	for i := range recorders {
		r := &recorder{}
		recorders[i] = r
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Subscribe(func(v int) {
				r.mu.Lock()
				r.seen = append(r.seen, v)
				r.mu.Unlock()
			})
		}()
	}
	wg.Wait()

	for _, r := range recorders {
		r.mu.Lock()
		assert.IsIncreasing(t, r.seen)
		assert.Equal(t, last, r.seen[len(r.seen)-1])
		r.mu.Unlock()
	}
}
