package relay

import (
	"fmt"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// synthSource produces a procedurally drawn moving test pattern.
// It exists so that the whole relay pipeline can run without any capture
// hardware or external processes, which is exactly what the tests need.
// Descriptor forms: "synth:", or "synth:WxH" (eg "synth:640x480").
type synthSource struct {
	width  int
	height int
	frame  int
}

func newSynthSource(uri string) (*synthSource, error) {
	s := &synthSource{
		width:  320,
		height: 240,
	}
	size := strings.TrimPrefix(uri, "synth:")
	if size != "" {
		if n, _ := fmt.Sscanf(size, "%dx%d", &s.width, &s.height); n != 2 {
			return nil, fmt.Errorf("Invalid synthetic source size '%v' (expecting WxH)", size)
		}
		if s.width < 16 || s.height < 16 || s.width > 4096 || s.height > 4096 {
			return nil, fmt.Errorf("Synthetic source size %vx%v out of range", s.width, s.height)
		}
	}
	return s, nil
}

func (s *synthSource) ReadFrame() (*cimg.Image, error) {
	img := cimg.NewImage(s.width, s.height, cimg.PixelFormatRGB)
	// Horizontal gradient with a vertical bar that sweeps across the image,
	// one pixel per frame. Enough to see motion, and to tell frames apart.
	bar := s.frame % s.width
	for y := 0; y < s.height; y++ {
		row := img.Pixels[y*img.Stride : y*img.Stride+s.width*3]
		for x := 0; x < s.width; x++ {
			r := byte(x * 255 / s.width)
			g := byte(y * 255 / s.height)
			b := byte(s.frame)
			if x == bar {
				r, g, b = 255, 255, 255
			}
			row[x*3+0] = r
			row[x*3+1] = g
			row[x*3+2] = b
		}
	}
	s.frame++
	return img, nil
}

func (s *synthSource) Close() {
}
