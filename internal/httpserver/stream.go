package httpserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/food-review/internal/model"
	"github.com/sells-group/food-review/internal/review"
)

const (
	streamBuffer = 256
	writeTimeout = 10 * time.Second
)

// streamSink queues run events for a single HTTP subscriber. Publish never
// blocks: events are dropped once the buffer is full or the subscriber has
// detached. The handler goroutine owns the connection and drains the queue.
type streamSink struct {
	mu       sync.Mutex
	events   chan review.Event
	detached bool
}

func newStreamSink() *streamSink {
	return &streamSink{events: make(chan review.Event, streamBuffer)}
}

func (s *streamSink) Publish(e review.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	select {
	case s.events <- e:
	default:
		zap.L().Warn("httpserver: progress buffer full, dropping event", zap.String("event", string(e.Kind)))
	}
}

// Detach turns Publish into a no-op.
func (s *streamSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

// pump forwards events to write until a terminal event is written, the run
// finishes, the subscriber goes away or write fails.
func (s *streamSink) pump(done <-chan review.Result, gone <-chan struct{}, write func(review.Event) error) {
	defer s.Detach()

	for {
		select {
		case e := <-s.events:
			if write(e) != nil || e.Terminal() {
				return
			}
		case res := <-done:
			// Flush what the run published before returning.
			for {
				select {
				case e := <-s.events:
					if write(e) != nil || e.Terminal() {
						return
					}
				default:
					_ = write(resultEvent(res))
					return
				}
			}
		case <-gone:
			return
		}
	}
}

// resultEvent synthesizes the terminal event from a run result when the
// published one was dropped.
func resultEvent(res review.Result) review.Event {
	if res.Err != nil {
		e := review.Event{Kind: review.EventError, Message: res.Err.Error()}
		if res.Run != nil {
			e.RunID = res.Run.ID
		}
		return e
	}
	e := review.Event{Kind: review.EventDone, Summary: model.RunSummary{}}
	if res.Run != nil {
		e.RunID = res.Run.ID
		e.Processed = res.Run.TotalProcessed
		if res.Run.Summary != nil {
			e.Summary = res.Run.Summary
		}
		e.SuggestionsSoFar = e.Summary.Total()
	}
	return e
}

// handleStreamSSE starts a run and streams its events as server-sent events.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	runBy, limit, ok := s.triggerParams(w, r)
	if !ok {
		return
	}

	sink := newStreamSink()
	run, done, err := s.controller.Start(r.Context(), runBy, limit, sink)
	if err != nil {
		respondStartError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	log := zap.L().With(zap.String("run_id", run.ID), zap.String("stream", "sse"))
	sink.pump(done, r.Context().Done(), func(e review.Event) error {
		data, err := json.Marshal(e.Payload())
		if err != nil {
			return err
		}
		_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := w.Write([]byte("event: " + string(e.Kind) + "\ndata: " + string(data) + "\n\n")); err != nil {
			log.Debug("httpserver: subscriber gone", zap.Error(err))
			return err
		}
		return rc.Flush()
	})
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header, same-host origins
// and the configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.opts.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// checkUpgrade rejects requests the upgrader would refuse, so no run is
// started for them.
func (s *Server) checkUpgrade(w http.ResponseWriter, r *http.Request) bool {
	switch {
	case !websocket.IsWebSocketUpgrade(r),
		r.Header.Get("Sec-Websocket-Version") != "13",
		r.Header.Get("Sec-Websocket-Key") == "":
		respondError(w, http.StatusBadRequest, "websocket upgrade required")
		return false
	case !s.checkOrigin(r):
		respondError(w, http.StatusForbidden, "origin not allowed")
		return false
	}
	return true
}

// handleStreamWS starts a run and streams its events over a WebSocket as
// JSON text frames shaped {"type": kind, ...fields}.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	runBy, limit, ok := s.triggerParams(w, r)
	if !ok {
		return
	}
	if !s.checkUpgrade(w, r) {
		return
	}

	sink := newStreamSink()
	run, done, err := s.controller.Start(r.Context(), runBy, limit, sink)
	if err != nil {
		respondStartError(w, err)
		return
	}

	log := zap.L().With(zap.String("run_id", run.ID), zap.String("stream", "ws"))
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// The run keeps going detached; the upgrader already answered.
		sink.Detach()
		log.Warn("httpserver: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	// Reads only surface the peer closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sink.pump(done, gone, func(e review.Event) error {
		frame := e.Payload()
		frame["type"] = string(e.Kind)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			log.Debug("httpserver: subscriber gone", zap.Error(err))
			return err
		}
		return nil
	})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(time.Second))
}
