package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
)

// MultipartBoundary separates the parts of the /video_feed response.
const MultipartBoundary = "frame"

// MultipartContentType is the Content-Type header value for /video_feed.
const MultipartContentType = "multipart/x-mixed-replace; boundary=" + MultipartBoundary

// StreamSession is one connected MJPEG viewer. It repeatedly takes the latest
// frame from the relay and writes it as a multipart chunk, at the relay's
// pacing interval. It never waits for a *new* frame: if the capture side is
// stalled, the viewer just sees the last frame repeat. The session ends only
// when the viewer disconnects or the server shuts down.
type StreamSession struct {
	log        logs.Log
	relay      *Relay
	framesSent int64
}

func NewStreamSession(log logs.Log, relay *Relay) *StreamSession {
	return &StreamSession{
		log:   log,
		relay: relay,
	}
}

// Run writes multipart chunks to w until ctx is cancelled or a write fails.
// If w is an http.ResponseWriter, each chunk is flushed so the viewer sees
// frames immediately. Before the first frame has ever been published, the
// session emits nothing: a chunk with an empty payload would be malformed.
func (s *StreamSession) Run(ctx context.Context, w io.Writer) error {
	s.relay.viewers.Add(1)
	defer s.relay.viewers.Add(-1)

	flusher, _ := w.(http.Flusher)
	interval := s.relay.FrameInterval()
	for {
		jpg, _ := s.relay.Snapshot()
		if jpg != nil {
			if err := writeChunk(w, jpg); err != nil {
				s.log.Infof("Viewer session ended after %v frames: %v", s.framesSent, err)
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			s.framesSent++
		}
		select {
		case <-ctx.Done():
			s.log.Infof("Viewer session closed after %v frames", s.framesSent)
			return nil
		case <-time.After(interval):
		}
	}
}

func writeChunk(w io.Writer, jpg []byte) error {
	if _, err := fmt.Fprintf(w, "--%v\r\nContent-Type: image/jpeg\r\n\r\n", MultipartBoundary); err != nil {
		return err
	}
	if _, err := w.Write(jpg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
