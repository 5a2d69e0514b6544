package daemon

import (
	"fmt"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalQueueFIFO(t *testing.T) {
	q := NewSignalQueue()

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())

	for _, name := range []string{"HUP", "INT", "HUP", "TERM"} {
		q.Push(name)
	}
	assert.Equal(t, 4, q.Len())

	var got []string
	for {
		name, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, name)
	}

	assert.Equal(t, []string{"HUP", "INT", "HUP", "TERM"}, got)
	assert.Equal(t, 0, q.Len())

	// still usable once drained
	q.Push("QUIT")
	name, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "QUIT", name)
}

func TestSignalQueueConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000

	q := NewSignalQueue()

	var wg conc.WaitGroup
	for p := range producers {
		wg.Go(func() {
			for i := range perProducer {
				q.Push(fmt.Sprintf("%d:%d", p, i))
			}
		})
	}

	// consume while the producers are still pushing
	next := make([]int, producers)
	received := 0
	for received < producers*perProducer {
		name, ok := q.Pop()
		if !ok {
			continue
		}

		var p, i int
		_, err := fmt.Sscanf(name, "%d:%d", &p, &i)
		require.NoError(t, err)

		// each producer's signals come out in the order it pushed them
		require.Equal(t, next[p], i, "producer %d out of order", p)
		next[p]++
		received++
	}

	wg.Wait()

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}
