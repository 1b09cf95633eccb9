// Package streamer pushes relayed JPEG frames over a websocket.
package streamer

import (
	"time"

	"github.com/cyclopcam/camrelay/server/relay"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

type webSocketMsg int

const (
	webSocketMsgClosed webSocketMsg = iota // The websocket client has closed the connection
)

// Number of frames that we will buffer on the send side, before dropping
// frames to a slow client.
const SendBufferSize = 15

// FrameStreamer watches the relay's frame sequence and sends each new frame
// to one websocket client as a binary message. Unlike the multipart session,
// it only sends when the sequence advances, and it drops frames rather than
// stalling when the client can't keep up.
type FrameStreamer struct {
	log           logs.Log
	relay         *relay.Relay
	fromWebSocket chan webSocketMsg
	sendQueue     chan []byte

	nFramesDropped int64
	nFramesSent    int64
	lastDropMsg    time.Time
}

func NewFrameStreamer(log logs.Log, relay *relay.Relay) *FrameStreamer {
	return &FrameStreamer{
		log:           log,
		relay:         relay,
		fromWebSocket: make(chan webSocketMsg, 1),
		sendQueue:     make(chan []byte, SendBufferSize),
	}
}

// Run blocks until the client disconnects.
func (s *FrameStreamer) Run(conn *websocket.Conn) {
	go s.webSocketReader(conn)
	go s.webSocketWriter(conn)

	ticker := time.NewTicker(s.relay.FrameInterval())
	defer ticker.Stop()
	defer close(s.sendQueue)

	lastSeq := int64(0)
	for {
		select {
		case <-ticker.C:
			jpg, seq := s.relay.Snapshot()
			if jpg == nil || seq == lastSeq {
				continue
			}
			lastSeq = seq
			if len(s.sendQueue) >= SendBufferSize {
				s.nFramesDropped++
				now := time.Now()
				if now.Sub(s.lastDropMsg) > 5*time.Second {
					s.log.Infof("Dropped %v/%v frames to websocket connection", s.nFramesDropped, s.nFramesDropped+s.nFramesSent)
					s.lastDropMsg = now
				}
			} else {
				s.nFramesSent++
				s.sendQueue <- jpg
			}
		case <-s.fromWebSocket:
			s.log.Infof("Websocket viewer disconnected after %v frames", s.nFramesSent)
			return
		}
	}
}

// Read from the websocket so that we notice the client going away.
// We don't expect the client to send us anything meaningful.
func (s *FrameStreamer) webSocketReader(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.fromWebSocket <- webSocketMsgClosed
}

// Writing runs on its own thread so that a slow client backs up the send
// queue (where we drop frames) instead of blocking the watch loop.
func (s *FrameStreamer) webSocketWriter(conn *websocket.Conn) {
	for jpg := range s.sendQueue {
		if err := conn.WriteMessage(websocket.BinaryMessage, jpg); err != nil {
			break
		}
	}
}
