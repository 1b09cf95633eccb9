package relay

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// ffmpegSource reads frames from an ffmpeg subprocess that transcodes the
// upstream source (V4L2 device, RTSP/HTTP stream, or file) into an MJPEG
// pipe on stdout. We scan the pipe for JPEG start/end markers and decompress
// each image.
type ffmpegSource struct {
	log        logs.Log
	ident      string
	cmd        *exec.Cmd
	out        io.ReadCloser
	buf        bytes.Buffer
	firstFrame *cimg.Image // read during open, to verify that the source actually works
}

type readResult struct {
	img *cimg.Image
	err error
}

func newFFmpegSource(log logs.Log, desc SourceDescriptor, opt Options) (*ffmpegSource, error) {
	s := &ffmpegSource{
		log:   log,
		ident: desc.String(),
	}
	s.cmd = exec.Command("ffmpeg", ffmpegArgs(desc, opt)...)
	out, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("Failed to create ffmpeg stdout pipe: %w", err)
	}
	s.out = out
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("Failed to spawn ffmpeg: %w", err)
	}

	// ffmpeg will happily start up for a source that doesn't exist, and only
	// die once it fails to connect. So "open" means reading the first frame.
	// If no frame arrives within the open timeout, the source is unusable.
	firstRead := make(chan readResult, 1)
	go func() {
		img, err := s.readNextFrame()
		firstRead <- readResult{img, err}
	}()
	select {
	case r := <-firstRead:
		if r.err != nil {
			s.Close()
			return nil, fmt.Errorf("Failed to read initial frame from %v: %w", s.ident, r.err)
		}
		s.firstFrame = r.img
	case <-time.After(opt.OpenTimeout):
		s.Close()
		return nil, fmt.Errorf("Timeout waiting for initial frame from %v", s.ident)
	}
	return s, nil
}

// ffmpegArgs builds the ffmpeg command line for a source descriptor.
// The output side is always the same: MJPEG frames on stdout.
func ffmpegArgs(desc SourceDescriptor, opt Options) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch {
	case desc.IsDevice:
		args = append(args, "-f", "video4linux2", "-i", fmt.Sprintf("/dev/video%v", desc.DeviceIndex))
	case hasScheme(desc.URI, "rtsp"):
		args = append(args, "-rtsp_transport", "tcp", "-i", desc.URI)
	case hasScheme(desc.URI, "http"), hasScheme(desc.URI, "https"):
		args = append(args, "-i", desc.URI)
	default:
		// A file. Read at native rate, and loop forever, so that a file
		// behaves like a live source.
		args = append(args, "-re", "-stream_loop", "-1", "-i", desc.URI)
	}
	args = append(args,
		"-c:v", "mjpeg",
		"-q:v", fmt.Sprintf("%v", jpegQualityToFFmpeg(opt.Quality)),
		"-f", "image2pipe",
		"-")
	return args
}

func hasScheme(uri, scheme string) bool {
	return len(uri) > len(scheme)+3 && uri[:len(scheme)+3] == scheme+"://"
}

// Map a 0..100 JPEG quality onto ffmpeg's 2..31 scale (2 is best).
func jpegQualityToFFmpeg(quality int) int {
	q := 2 + (100-quality)*29/100
	if q < 2 {
		q = 2
	} else if q > 31 {
		q = 31
	}
	return q
}

func (s *ffmpegSource) ReadFrame() (*cimg.Image, error) {
	if s.firstFrame != nil {
		img := s.firstFrame
		s.firstFrame = nil
		return img, nil
	}
	return s.readNextFrame()
}

// readNextFrame scans the ffmpeg output pipe for the next complete JPEG,
// and decompresses it.
func (s *ffmpegSource) readNextFrame() (*cimg.Image, error) {
	for {
		eoi := bytes.Index(s.buf.Bytes(), jpegEOI)
		if eoi == -1 {
			if _, err := io.CopyN(&s.buf, s.out, 4096); err != nil {
				return nil, fmt.Errorf("Failed to read from ffmpeg pipe: %w", err)
			}
			continue
		}
		jpg := s.buf.Next(eoi + len(jpegEOI))
		soi := bytes.Index(jpg, jpegSOI)
		if soi == -1 {
			// Garbage before the first marker. Skip it.
			s.log.Warnf("Discarding %v bytes of non-JPEG data from %v", len(jpg), s.ident)
			continue
		}
		img, err := cimg.Decompress(jpg[soi:])
		if err != nil {
			return nil, fmt.Errorf("Failed to decompress frame: %w", err)
		}
		return img, nil
	}
}

// Close kills ffmpeg and closes the pipe. A capture loop blocked inside
// ReadFrame gets unblocked with a read error. We close the pipe ourselves,
// before Wait, precisely because a concurrent read may be in flight: Wait's
// own pipe teardown must not race a reader, and after Close the source is
// abandoned, so losing whatever was left in the pipe is fine.
func (s *ffmpegSource) Close() {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.out.Close()
	s.cmd.Wait()
}
