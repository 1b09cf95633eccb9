package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// fakeSource is a scripted Source for driving the controller and capture loop
// without any capture hardware.
type fakeSource struct {
	readFrame func(n int64) (*cimg.Image, error) // nil = always succeed with a tiny image

	reads      atomic.Int64
	closeLock  sync.Mutex
	closeCount int
	unblock    chan bool // closed by Close, so a "stuck" ReadFrame can give up
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		unblock: make(chan bool),
	}
}

func tinyImage() *cimg.Image {
	return cimg.NewImage(8, 8, cimg.PixelFormatRGB)
}

func (s *fakeSource) ReadFrame() (*cimg.Image, error) {
	n := s.reads.Add(1)
	if s.readFrame != nil {
		return s.readFrame(n)
	}
	return tinyImage(), nil
}

func (s *fakeSource) Close() {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	s.closeCount++
	if s.closeCount == 1 {
		close(s.unblock)
	}
}

func (s *fakeSource) closes() int {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	return s.closeCount
}

func testOptions() Options {
	return Options{
		FrameInterval: time.Millisecond,
		RetryBackoff:  50 * time.Millisecond,
		StopTimeout:   100 * time.Millisecond,
		Quality:       85,
	}
}

// newTestRelay returns a relay whose OpenSource hands out sources from the
// given map, keyed by descriptor string. Unknown descriptors fail to open.
func newTestRelay(t *testing.T, opt Options, sources map[string]*fakeSource) *Relay {
	opt.OpenSource = func(desc SourceDescriptor) (Source, error) {
		if src, ok := sources[desc.String()]; ok {
			return src, nil
		}
		return nil, errors.New("no such source")
	}
	return NewRelay(logs.NewTestingLog(t), opt)
}

func waitForSeqAbove(t *testing.T, r *Relay, min int64) int64 {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jpg, seq := r.Snapshot()
		if seq > min {
			require.NotEmpty(t, jpg)
			return seq
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("No frame published beyond seq %v", min)
	return 0
}

func TestStartPublishesFrames(t *testing.T) {
	src := newFakeSource()
	r := newTestRelay(t, testOptions(), map[string]*fakeSource{"a://": src})

	require.Equal(t, StateIdle, r.State())
	require.NoError(t, r.Start(URISource("a://")))
	require.Equal(t, StateRunning, r.State())

	waitForSeqAbove(t, r, 2)
	info := r.Info()
	require.Equal(t, "running", info.State)
	require.Equal(t, "a://", info.Source)
	require.Greater(t, info.FramesRelayed, int64(0))

	r.Stop()
	require.Equal(t, StateIdle, r.State())
	require.Equal(t, 1, src.closes())
}

func TestFailedOpenLeavesRunningStreamUntouched(t *testing.T) {
	src := newFakeSource()
	r := newTestRelay(t, testOptions(), map[string]*fakeSource{"a://": src})

	require.NoError(t, r.Start(URISource("a://")))
	seq := waitForSeqAbove(t, r, 0)

	err := r.Start(URISource("bad://nowhere"))
	require.ErrorIs(t, err, ErrSourceOpen)

	// The original stream must keep going as if nothing happened
	require.Equal(t, StateRunning, r.State())
	require.Equal(t, 0, src.closes())
	waitForSeqAbove(t, r, seq)

	r.Stop()
}

func TestFailedOpenFromIdleStaysIdle(t *testing.T) {
	r := newTestRelay(t, testOptions(), map[string]*fakeSource{})
	err := r.Start(URISource("bad://nowhere"))
	require.ErrorIs(t, err, ErrSourceOpen)
	require.Equal(t, StateIdle, r.State())
	jpg, _ := r.Snapshot()
	require.Nil(t, jpg)
}

func TestSwitchClosesOldSourceExactlyOnce(t *testing.T) {
	srcA := newFakeSource()
	srcB := newFakeSource()
	r := newTestRelay(t, testOptions(), map[string]*fakeSource{"a://": srcA, "b://": srcB})

	require.NoError(t, r.Start(URISource("a://")))
	waitForSeqAbove(t, r, 0)

	require.NoError(t, r.Start(URISource("b://")))
	require.Equal(t, 1, srcA.closes())
	require.Equal(t, 0, srcB.closes())
	require.Equal(t, "b://", r.Info().Source)

	r.Stop()
	require.Equal(t, 1, srcA.closes())
	require.Equal(t, 1, srcB.closes())
}

// A capture loop wedged inside a read must not block source switching
// forever: after the bounded wait, the controller closes the old source
// anyway and moves on.
func TestSwitchWithStuckLoop(t *testing.T) {
	srcA := newFakeSource()
	firstRead := true
	srcA.readFrame = func(n int64) (*cimg.Image, error) {
		if firstRead {
			firstRead = false
			return tinyImage(), nil
		}
		// Block until Close unblocks us, like a network read would when the
		// connection is torn down under it
		<-srcA.unblock
		return nil, errors.New("source closed")
	}
	srcB := newFakeSource()
	opt := testOptions()
	opt.StopTimeout = 50 * time.Millisecond
	r := newTestRelay(t, opt, map[string]*fakeSource{"a://": srcA, "b://": srcB})

	require.NoError(t, r.Start(URISource("a://")))
	waitForSeqAbove(t, r, 0)

	switchStart := time.Now()
	require.NoError(t, r.Start(URISource("b://")))
	elapsed := time.Since(switchStart)

	// The switch waited out the bound, then proceeded
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Equal(t, 1, srcA.closes())
	require.Equal(t, StateRunning, r.State())
	require.Equal(t, "b://", r.Info().Source)

	r.Stop()
	require.Equal(t, 1, srcA.closes())
}

// Restarting the source that is already running must stop the old handle
// before opening the new one. An exclusive device (eg /dev/video0) refuses
// a second open while the first handle is still held, so the open-first
// ordering used for switches would turn every same-source restart into a
// device-busy failure.
func TestRestartSameSource(t *testing.T) {
	lock := sync.Mutex{}
	var current *fakeSource
	opens := 0
	opt := testOptions()
	opt.OpenSource = func(desc SourceDescriptor) (Source, error) {
		lock.Lock()
		defer lock.Unlock()
		if desc.String() != "0" {
			return nil, errors.New("no such source")
		}
		if current != nil && current.closes() == 0 {
			return nil, errors.New("device busy")
		}
		opens++
		current = newFakeSource()
		return current, nil
	}
	r := NewRelay(logs.NewTestingLog(t), opt)

	require.NoError(t, r.Start(DeviceSource(0)))
	waitForSeqAbove(t, r, 0)
	lock.Lock()
	first := current
	lock.Unlock()

	require.NoError(t, r.Start(DeviceSource(0)))
	require.Equal(t, StateRunning, r.State())
	require.Equal(t, "0", r.Info().Source)
	require.Equal(t, 1, first.closes())
	lock.Lock()
	require.Equal(t, 2, opens)
	lock.Unlock()

	r.Stop()
}

// Status queries must not stall behind a slow source open. Opening an ffmpeg
// source can block for the whole open timeout, and /stream_info has to keep
// answering during that window.
func TestStatusDuringSlowOpen(t *testing.T) {
	src := newFakeSource()
	release := make(chan bool)
	opt := testOptions()
	opt.OpenSource = func(desc SourceDescriptor) (Source, error) {
		<-release
		return src, nil
	}
	r := NewRelay(logs.NewTestingLog(t), opt)

	started := make(chan error, 1)
	go func() {
		started <- r.Start(URISource("slow://"))
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && r.State() != StateStarting {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, StateStarting, r.State())
	require.Equal(t, "starting", r.Info().State)

	close(release)
	require.NoError(t, <-started)
	require.Equal(t, StateRunning, r.State())
	r.Stop()
	require.Equal(t, 1, src.closes())
}

// For all sequences of Start calls, at most one capture loop may ever be
// inside ReadFrame at a time (no double-producer race).
func TestAtMostOneCaptureLoop(t *testing.T) {
	active := atomic.Int64{}
	maxActive := atomic.Int64{}
	instrument := func(src *fakeSource) {
		src.readFrame = func(n int64) (*cimg.Image, error) {
			cur := active.Add(1)
			defer active.Add(-1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			return tinyImage(), nil
		}
	}
	sources := map[string]*fakeSource{}
	names := []string{"a://", "b://", "c://"}
	for _, name := range names {
		src := newFakeSource()
		instrument(src)
		sources[name] = src
	}
	r := newTestRelay(t, testOptions(), sources)

	for i := 0; i < 9; i++ {
		require.NoError(t, r.Start(URISource(names[i%len(names)])))
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()

	require.Equal(t, int64(1), maxActive.Load())
}

// Cancellation during the retry backoff must be honored promptly, not after
// the full backoff has elapsed.
func TestCancelDuringRetryBackoff(t *testing.T) {
	src := newFakeSource()
	src.readFrame = func(n int64) (*cimg.Image, error) {
		return nil, errors.New("transient failure")
	}
	opt := testOptions()
	opt.RetryBackoff = 2 * time.Second
	opt.StopTimeout = 5 * time.Second
	r := newTestRelay(t, opt, map[string]*fakeSource{"a://": src})

	require.NoError(t, r.Start(URISource("a://")))
	// Give the loop time to fail a read and enter its backoff
	time.Sleep(20 * time.Millisecond)

	stopStart := time.Now()
	r.Stop()
	elapsed := time.Since(stopStart)

	// Nowhere near the 2 second backoff, and well under the stop timeout
	require.Less(t, elapsed, 500*time.Millisecond)
	require.Equal(t, 1, src.closes())
}

// Read failures are retried indefinitely; the relay stays up and viewers
// just see the last good frame.
func TestReadFailureIsNotFatal(t *testing.T) {
	src := newFakeSource()
	src.readFrame = func(n int64) (*cimg.Image, error) {
		if n == 1 {
			return tinyImage(), nil
		}
		return nil, errors.New("transient failure")
	}
	opt := testOptions()
	opt.RetryBackoff = 5 * time.Millisecond
	r := newTestRelay(t, opt, map[string]*fakeSource{"a://": src})

	require.NoError(t, r.Start(URISource("a://")))
	waitForSeqAbove(t, r, 0)
	time.Sleep(30 * time.Millisecond)

	require.Equal(t, StateRunning, r.State())
	jpg, seq := r.Snapshot()
	require.NotEmpty(t, jpg)
	require.Equal(t, int64(1), seq)
	require.Greater(t, src.reads.Load(), int64(2))

	r.Stop()
}

func TestStopIdleIsNoop(t *testing.T) {
	r := newTestRelay(t, testOptions(), map[string]*fakeSource{})
	r.Stop()
	r.Stop()
	require.Equal(t, StateIdle, r.State())
}
