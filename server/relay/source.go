package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
)

// Source is one open capture session. ReadFrame blocks until the next decoded
// frame is available, or fails. A Source is owned exclusively by a single
// capture loop; Close is called by the relay controller, exactly once, when
// the source is superseded or the relay shuts down.
type Source interface {
	ReadFrame() (*cimg.Image, error)
	Close()
}

// SourceDescriptor names an upstream video origin. Over JSON it is either an
// integer (a local capture device index, e.g. 0 for /dev/video0), or a string
// (an rtsp:// or http:// URL, a file path, or "synth:" for the built-in test
// pattern). The zero value means "device 0".
type SourceDescriptor struct {
	IsDevice    bool
	DeviceIndex int
	URI         string
}

// DeviceSource returns a descriptor for a local capture device index.
func DeviceSource(index int) SourceDescriptor {
	return SourceDescriptor{IsDevice: true, DeviceIndex: index}
}

// URISource returns a descriptor for a URL or file path.
func URISource(uri string) SourceDescriptor {
	return SourceDescriptor{URI: uri}
}

// ParseSourceDescriptor interprets a command-line style source string.
// A plain integer is a device index, anything else is a URI.
func ParseSourceDescriptor(s string) SourceDescriptor {
	if index, err := strconv.Atoi(s); err == nil {
		return DeviceSource(index)
	}
	return URISource(s)
}

func (d *SourceDescriptor) UnmarshalJSON(b []byte) error {
	var index int
	if err := json.Unmarshal(b, &index); err == nil {
		*d = DeviceSource(index)
		return nil
	}
	var uri string
	if err := json.Unmarshal(b, &uri); err == nil {
		*d = URISource(uri)
		return nil
	}
	return fmt.Errorf("Invalid source descriptor %v (expecting a device index or a URL)", string(b))
}

func (d SourceDescriptor) MarshalJSON() ([]byte, error) {
	if d.IsDevice {
		return json.Marshal(d.DeviceIndex)
	}
	return json.Marshal(d.URI)
}

// IsZero is true for a descriptor that was never filled in (eg an absent
// "stream_url" field). The caller treats this as device 0.
func (d SourceDescriptor) IsZero() bool {
	return !d.IsDevice && d.URI == ""
}

func (d SourceDescriptor) String() string {
	if d.IsDevice {
		return strconv.Itoa(d.DeviceIndex)
	}
	return d.URI
}

// openSource opens a capture session for the given descriptor.
// Device indexes, RTSP/HTTP URLs and file paths all go through the ffmpeg
// subprocess pipeline. "synth:" descriptors get the procedural test pattern,
// which needs no hardware.
func openSource(log logs.Log, desc SourceDescriptor, opt Options) (Source, error) {
	if !desc.IsDevice && strings.HasPrefix(desc.URI, "synth:") {
		return newSynthSource(desc.URI)
	}
	return newFFmpegSource(log, desc, opt)
}
