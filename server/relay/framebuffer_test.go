package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameBufferEmpty(t *testing.T) {
	buf := FrameBuffer{}
	jpg, seq := buf.Snapshot()
	require.Nil(t, jpg)
	require.Equal(t, int64(0), seq)
}

func TestFrameBufferLatestWins(t *testing.T) {
	buf := FrameBuffer{}

	buf.Publish([]byte("frame-1"))
	jpg, seq := buf.Snapshot()
	require.Equal(t, []byte("frame-1"), jpg)
	require.Equal(t, int64(1), seq)

	// Polling faster than the producer just re-reads the same bytes
	jpg2, seq2 := buf.Snapshot()
	require.Equal(t, jpg, jpg2)
	require.Equal(t, seq, seq2)

	buf.Publish([]byte("frame-2"))
	jpg, seq = buf.Snapshot()
	require.Equal(t, []byte("frame-2"), jpg)
	require.Equal(t, int64(2), seq)
}

// One writer, many readers, hammering concurrently. Run with -race.
// Readers must always observe a complete value, and sequence numbers must
// never move backwards.
func TestFrameBufferConcurrent(t *testing.T) {
	buf := FrameBuffer{}
	done := make(chan bool)

	go func() {
		for i := 1; i <= 1000; i++ {
			buf.Publish([]byte(fmt.Sprintf("frame-%v", i)))
		}
		close(done)
	}()

	wg := sync.WaitGroup{}
	for reader := 0; reader < 4; reader++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lastSeq := int64(0)
			for {
				jpg, seq := buf.Snapshot()
				require.GreaterOrEqual(t, seq, lastSeq)
				if seq != 0 {
					require.Equal(t, []byte(fmt.Sprintf("frame-%v", seq)), jpg)
				}
				lastSeq = seq
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
}
