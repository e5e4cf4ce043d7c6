package frameBuffer

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func frame(seq uint64) Frame {
	return Frame{
		Image: image.NewRGBA(image.Rect(0, 0, 4, 4)),
		Seq:   seq,
		Time:  epoch.Add(time.Duration(seq) * 100 * time.Millisecond),
	}
}

func seqs(frames []Frame) []uint64 {
	out := make([]uint64, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Seq)
	}
	return out
}

func TestRingKeepsLastCapacityFrames(t *testing.T) {
	const c = 5
	for _, k := range []int{0, 1, 3, 5, 17} {
		r := NewRing(c)
		for i := 1; i <= c+k; i++ {
			r.Push(frame(uint64(i)))
			assert.LessOrEqual(t, r.Len(), c)
		}

		var want []uint64
		for i := k + 1; i <= c+k; i++ {
			want = append(want, uint64(i))
		}
		if diff := cmp.Diff(want, seqs(r.DrainOrdered())); diff != "" {
			t.Errorf("k=%d drain mismatch (-want +got):\n%s", k, diff)
		}
	}
}

func TestRingPartiallyFilled(t *testing.T) {
	r := NewRing(150)
	assert.Empty(t, r.DrainOrdered())
	for i := 1; i <= 3; i++ {
		r.Push(frame(uint64(i)))
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs(r.DrainOrdered()))
	assert.Equal(t, 150, r.Cap())
}

func TestRingDrainDoesNotDisturbLaterPushes(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 4; i++ {
		r.Push(frame(uint64(i)))
	}
	first := r.DrainOrdered()
	again := r.DrainOrdered()
	assert.Equal(t, seqs(first), seqs(again))

	r.Push(frame(5))
	assert.Equal(t, []uint64{3, 4, 5}, seqs(r.DrainOrdered()))
	assert.Equal(t, []uint64{2, 3, 4}, seqs(first), "snapshot must not alias the ring")
}

func TestRingAfter(t *testing.T) {
	r := NewRing(4)
	assert.Empty(t, r.After(0))
	for i := 1; i <= 6; i++ {
		r.Push(frame(uint64(i)))
	}
	assert.Equal(t, []uint64{5, 6}, seqs(r.After(4)))
	assert.Equal(t, []uint64{3, 4, 5, 6}, seqs(r.After(0)), "older frames have been overwritten")
	assert.Empty(t, r.After(6))
}

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(3)
	for i := 1; i <= 5; i++ {
		q.Put(frame(uint64(i)))
	}
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	var got []uint64
	for i := 0; i < 3; i++ {
		f, ok := q.Get(ctx)
		require.True(t, ok)
		got = append(got, f.Seq)
	}
	assert.Equal(t, []uint64{3, 4, 5}, got)

	_, ok := q.TryGet()
	assert.False(t, ok)
}

func TestQueueGetUnblocksOnCancelAndClose(t *testing.T) {
	q := NewQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		_, ok := q.Get(ctx)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return after cancel")
	}

	q.Put(frame(1))
	q.Close()
	f, ok := q.Get(context.Background())
	require.True(t, ok, "queued frames stay readable after close")
	assert.Equal(t, uint64(1), f.Seq)
	_, ok = q.Get(context.Background())
	assert.False(t, ok)
	assert.False(t, q.Put(frame(2)))
}

func TestMailboxKeepsNewest(t *testing.T) {
	m := NewMailbox()
	m.Put(frame(1))
	m.Put(frame(2))
	m.Put(frame(3))
	assert.Equal(t, uint64(2), m.Overruns())

	f, ok := m.Take(context.Background())
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq)

	m.Close()
	_, ok = m.Take(context.Background())
	assert.False(t, ok)
}
