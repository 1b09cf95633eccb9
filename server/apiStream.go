package server

import (
	"fmt"
	"net/http"

	"github.com/cyclopcam/camrelay/server/relay"
	"github.com/cyclopcam/camrelay/server/streamer"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

type startStreamJSON struct {
	StreamURL relay.SourceDescriptor `json:"stream_url"`
}

type statusJSON struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func sendStatusJSON(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	www.SendJSON(w, &statusJSON{Status: status, Message: message})
}

// Start (or switch to) a new video source.
// Example: curl -X POST -d '{"stream_url": "rtsp://10.0.0.5:554/stream1"}' localhost:5001/start_stream
func (s *Server) httpStartStream(w http.ResponseWriter, r *http.Request) {
	body := startStreamJSON{}
	if r.ContentLength != 0 {
		www.ReadJSON(w, r, &body, 1024*1024)
	}
	desc := body.StreamURL
	if desc.IsZero() {
		desc = relay.DeviceSource(0)
	}

	if err := s.Relay.Start(desc); err != nil {
		sendStatusJSON(w, http.StatusBadRequest, "error", "Could not open video source.")
		return
	}
	sendStatusJSON(w, http.StatusOK, "success", fmt.Sprintf("Stream started from %v", desc))
}

func (s *Server) httpStopStream(w http.ResponseWriter, r *http.Request) {
	s.Relay.Stop()
	sendStatusJSON(w, http.StatusOK, "success", "Stream stopped")
}

// The MJPEG multipart stream. The response never completes; we keep emitting
// the latest frame until the viewer goes away or the server shuts down.
func (s *Server) httpVideoFeed(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	w.Header().Set("Content-Type", relay.MultipartContentType)

	session := relay.NewStreamSession(s.Log, s.Relay)
	session.Run(r.Context(), w)
}

// JPEG frames pushed over a websocket, for frontends that prefer a binary
// socket over a multipart stream.
func (s *Server) httpVideoWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpVideoWS websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	streamer.NewFrameStreamer(s.Log, s.Relay).Run(conn)
}

// The current frame as a plain JPEG.
// Example: curl -o img.jpg localhost:5001/latest_image
func (s *Server) httpLatestImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)

	jpg, _ := s.Relay.Snapshot()
	if jpg == nil {
		www.PanicBadRequestf("No image available yet")
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

func (s *Server) httpStreamInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.Relay.Info())
}
