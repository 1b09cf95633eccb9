package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	open := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// Source switching tears down and respawns an ffmpeg pipeline, so don't
	// let a misbehaving frontend do that in a tight loop. One limiter per
	// endpoint, keyed by IP.
	ratelimited := func(method, route string, handle func(w http.ResponseWriter, r *http.Request), requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	ratelimited("POST", "/start_stream", s.httpStartStream, 10, time.Minute)
	ratelimited("POST", "/stop_stream", s.httpStopStream, 10, time.Minute)

	open("GET", "/video_feed", s.httpVideoFeed)
	open("GET", "/video_ws", s.httpVideoWS)
	open("GET", "/latest_image", s.httpLatestImage)
	open("GET", "/stream_info", s.httpStreamInfo)
	open("GET", "/api/ping", s.httpPing)

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}
