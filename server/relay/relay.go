// Package relay contains the frame-relay core: a single capture loop reading
// from one active video source, a single-slot FrameBuffer holding the latest
// JPEG frame, and any number of viewer sessions fanning that frame out.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
)

// ErrSourceOpen is returned by Start when the source could not be opened.
// This is the only failure that callers ever see; read and encode failures
// are retried inside the capture loop.
var ErrSourceOpen = errors.New("Could not open video source")

type State int

const (
	StateIdle     State = iota // No source open, no capture loop running
	StateStarting              // Opening a source / spawning a loop
	StateRunning               // Capture loop is publishing frames
	StateStopping              // Waiting for the capture loop to exit
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

type Options struct {
	FrameInterval time.Duration // Pacing between capture iterations (caps capture rate and CPU)
	RetryBackoff  time.Duration // Wait after a failed frame read, before trying again
	StopTimeout   time.Duration // Bounded wait for a superseded capture loop to exit
	OpenTimeout   time.Duration // How long a new source gets to produce its first frame
	Quality       int           // JPEG quality (0..100)

	// OpenSource opens a capture session for a descriptor. Tests replace this
	// with fakes; when nil, the default device/URL/synthetic opener is used.
	OpenSource func(desc SourceDescriptor) (Source, error)
}

func DefaultOptions() Options {
	return Options{
		FrameInterval: time.Second / 30,
		RetryBackoff:  2 * time.Second,
		StopTimeout:   2 * time.Second,
		OpenTimeout:   10 * time.Second,
		Quality:       85,
	}
}

// Info is a snapshot of the relay's current status, for the info API.
type Info struct {
	State         string  `json:"state"`
	Source        string  `json:"source"`
	FPS           float64 `json:"fps"`
	FramesRelayed int64   `json:"framesRelayed"`
	Viewers       int64   `json:"viewers"`
}

// Relay owns the capture side of the system: the FrameBuffer, the currently
// open Source, and the run token of the active capture loop. It guarantees
// that at most one capture loop is ever running, and that a superseded loop
// is stopped (or at least given its bounded chance to stop) and its source
// closed before a new loop starts.
type Relay struct {
	log    logs.Log
	opt    Options
	buffer FrameBuffer

	viewers atomic.Int64

	// control serializes Start/Stop, which can block for seconds (opening a
	// source, the bounded stop wait). lock guards the fields below and is
	// only ever held briefly, so State/Info never stall behind a slow open.
	control sync.Mutex
	lock    sync.Mutex
	state   State
	source  Source
	token   *runToken
	loop    *captureLoop
	ident   string
}

func NewRelay(log logs.Log, opt Options) *Relay {
	r := &Relay{
		log:   log,
		opt:   opt,
		state: StateIdle,
	}
	if r.opt.OpenSource == nil {
		r.opt.OpenSource = func(desc SourceDescriptor) (Source, error) {
			return openSource(log, desc, r.opt)
		}
	}
	return r
}

// Start switches the relay to a new source, or restarts the current one.
//
// For a switch to a different source, the new source is opened first, before
// the old capture loop is touched, so that a bad descriptor leaves a running
// stream exactly as it was. Restarting the source that is already running is
// the exception: exclusive devices (eg /dev/video0) refuse a second open
// while the old handle exists, so there the old loop is stopped and its
// source closed before the open.
//
// Once the open succeeds, the old loop (if any) is signalled, given
// StopTimeout to exit, and its source is closed (exactly once, whether or not
// the loop exited in time). Only then does the new capture loop start. Two
// capture loops never run concurrently; on a switch, two sources can briefly
// be open, which is the same window the bounded stop wait already implies.
func (r *Relay) Start(desc SourceDescriptor) error {
	r.control.Lock()
	defer r.control.Unlock()

	r.lock.Lock()
	restart := r.token != nil && r.ident == desc.String()
	r.lock.Unlock()
	if restart {
		r.stopCurrent()
	}

	r.setState(StateStarting)
	source, err := r.opt.OpenSource(desc)
	if err != nil {
		r.log.Errorf("Failed to open video source %v: %v", desc, err)
		r.lock.Lock()
		if r.token != nil {
			r.state = StateRunning
		} else {
			r.state = StateIdle
		}
		r.lock.Unlock()
		return fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}

	r.stopCurrent()

	token := newRunToken()
	loop := newCaptureLoop(r.log, source, &r.buffer, token, r.opt)
	r.lock.Lock()
	r.source = source
	r.token = token
	r.loop = loop
	r.ident = desc.String()
	r.state = StateRunning
	r.lock.Unlock()
	go loop.run()

	r.log.Infof("Started video stream from %v", desc)
	return nil
}

func (r *Relay) setState(s State) {
	r.lock.Lock()
	r.state = s
	r.lock.Unlock()
}

// Stop halts the capture loop and closes the source, returning the relay to
// idle. Viewer sessions stay connected; they will simply see the last frame
// repeat. Stopping an idle relay is a no-op.
func (r *Relay) Stop() {
	r.control.Lock()
	defer r.control.Unlock()
	r.stopCurrent()
}

// stopCurrent implements the stop half of the state machine: signal the run
// token, wait up to StopTimeout for the loop to exit, then close the source
// regardless. A loop that misses the deadline gets its source closed
// underneath it, which will unblock any read it is stuck in; it then exits
// the next time it checks its token. The caller must hold control.
func (r *Relay) stopCurrent() {
	r.lock.Lock()
	token := r.token
	source := r.source
	if token == nil {
		r.lock.Unlock()
		return
	}
	r.state = StateStopping
	r.lock.Unlock()

	close(token.stop)
	select {
	case <-token.done:
	case <-time.After(r.opt.StopTimeout):
		r.log.Warnf("Capture loop did not exit within %v. Closing its source anyway", r.opt.StopTimeout)
	}
	source.Close()

	r.lock.Lock()
	r.source = nil
	r.token = nil
	r.loop = nil
	r.ident = ""
	r.state = StateIdle
	r.lock.Unlock()
}

// Snapshot returns the latest relayed frame and its sequence number.
func (r *Relay) Snapshot() ([]byte, int64) {
	return r.buffer.Snapshot()
}

func (r *Relay) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

func (r *Relay) Info() Info {
	r.lock.Lock()
	defer r.lock.Unlock()
	info := Info{
		State:   r.state.String(),
		Source:  r.ident,
		Viewers: r.viewers.Load(),
	}
	if r.loop != nil {
		info.FramesRelayed, info.FPS = r.loop.stats()
	}
	return info
}

// FrameInterval is the pacing interval that viewer sessions share with the
// capture loop.
func (r *Relay) FrameInterval() time.Duration {
	return r.opt.FrameInterval
}
