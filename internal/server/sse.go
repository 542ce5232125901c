package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/srymh/template-electron/pkg/ipc"
)

// SSETransportName identifies SSE callers in Caller.Transport.
const SSETransportName = "sse"

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
	sseBuffer            = 64
)

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// ErrSSEBufferFull is returned by a push to an SSE stream whose client
// does not keep up. The stream is closed so the client can resubscribe.
var ErrSSEBufferFull = errors.New("SSE event buffer full")

// ssePeer is the ipc.Peer of one SSE request. Pushes are queued for the
// request goroutine; a full queue ends the stream rather than skipping a
// push.
type ssePeer struct {
	id      string
	channel string
	server  *Server

	events chan *ipc.Message
	done   chan struct{}
	once   sync.Once
}

func (p *ssePeer) ID() string            { return p.id }
func (p *ssePeer) Done() <-chan struct{} { return p.done }

func (p *ssePeer) Send(channel string, data any) error {
	msg, err := ipc.NewEventData(p.id, ipc.EventChannel(channel), data)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ipc.ErrConnectionClosed
	case p.events <- msg:
		return nil
	default:
		p.server.log.Warn().Str("channel", p.channel).Str("peer", p.id).Msg("SSE buffer full, closing stream")
		p.close()
		return ErrSSEBufferFull
	}
}

func (p *ssePeer) close() {
	p.once.Do(func() { close(p.done) })
}

// events streams pushes of one event channel as SSE messages carrying
// event-data frames. The subscription lives as long as the request.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if kind, ok := s.table.Kind(channel); !ok || kind != ipc.KindEvent {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown event channel: "+channel)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	peer := &ssePeer{
		id:      ulid.Make().String(),
		channel: channel,
		server:  s,
		events:  make(chan *ipc.Message, sseBuffer),
		done:    make(chan struct{}),
	}
	caller := s.table.Connect(peer, SSETransportName, r.RemoteAddr)
	defer func() {
		peer.close()
		s.table.Disconnect(peer.id)
	}()

	if _, err := s.table.Attach(caller, channel); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := sse.writeEvent("connected", map[string]string{"id": peer.id, "channel": channel}); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-caller.Done():
			return
		case msg := <-peer.events:
			if err := sse.writeEvent("message", msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
