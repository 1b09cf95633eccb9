package relay

import (
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
)

// Number of recent frame intervals that we keep for FPS estimation
const fpsWindowSize = 30

// runToken identifies one capture loop execution instance.
// The controller closes 'stop' to request shutdown, and the loop closes
// 'done' on exit. A new token is only issued after the previous loop has
// closed 'done', or the controller's bounded wait has elapsed.
type runToken struct {
	stop chan bool
	done chan bool
}

func newRunToken() *runToken {
	return &runToken{
		stop: make(chan bool),
		done: make(chan bool),
	}
}

// captureLoop owns one Source. It reads frames, encodes them to JPEG, and
// publishes them into the FrameBuffer, until its run token is cancelled.
// Read and encode failures are never fatal: a failed read waits out the retry
// backoff and tries again, and a failed encode just skips that frame. The only
// way out of the loop is cancellation.
type captureLoop struct {
	log    logs.Log
	source Source
	buffer *FrameBuffer
	token  *runToken
	opt    Options

	// encode is replaceable so that tests can inject encoder failures
	encode func(img *cimg.Image) ([]byte, error)

	statsLock     sync.Mutex
	frameCount    int64
	lastPublishAt time.Time
	intervals     []time.Duration
}

func newCaptureLoop(log logs.Log, source Source, buffer *FrameBuffer, token *runToken, opt Options) *captureLoop {
	l := &captureLoop{
		log:    log,
		source: source,
		buffer: buffer,
		token:  token,
		opt:    opt,
	}
	l.encode = func(img *cimg.Image) ([]byte, error) {
		return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, opt.Quality, 0))
	}
	return l
}

func (l *captureLoop) run() {
	defer close(l.token.done)
	for {
		select {
		case <-l.token.stop:
			l.log.Infof("Capture loop stopped")
			return
		default:
		}
		img, err := l.source.ReadFrame()
		if err != nil {
			l.log.Warnf("Failed to read frame from source. Retrying...")
			if l.wait(l.opt.RetryBackoff) {
				l.log.Infof("Capture loop stopped")
				return
			}
		} else {
			jpg, err := l.encode(img)
			if err != nil {
				// A single bad frame is not worth dying for
				l.log.Errorf("Failed to encode frame: %v", err)
			} else {
				l.buffer.Publish(jpg)
				l.recordPublish()
			}
		}
		if l.wait(l.opt.FrameInterval) {
			l.log.Infof("Capture loop stopped")
			return
		}
	}
}

// wait sleeps for d, and returns true if cancellation was signalled.
// Cancellation during the retry backoff must be honored promptly, which is
// why every sleep in the loop goes through here.
func (l *captureLoop) wait(d time.Duration) bool {
	select {
	case <-l.token.stop:
		return true
	case <-time.After(d):
		return false
	}
}

func (l *captureLoop) recordPublish() {
	now := time.Now()
	l.statsLock.Lock()
	defer l.statsLock.Unlock()
	l.frameCount++
	if !l.lastPublishAt.IsZero() {
		l.intervals = append(l.intervals, now.Sub(l.lastPublishAt))
		if len(l.intervals) > fpsWindowSize {
			l.intervals = l.intervals[len(l.intervals)-fpsWindowSize:]
		}
	}
	l.lastPublishAt = now
}

func (l *captureLoop) stats() (frameCount int64, fps float64) {
	l.statsLock.Lock()
	defer l.statsLock.Unlock()
	if len(l.intervals) == 0 {
		return l.frameCount, 0
	}
	return l.frameCount, EstimateFPS(l.intervals)
}
