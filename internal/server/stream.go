package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/swapbook/internal/bus"
	"github.com/coachpo/swapbook/internal/observability"
)

const (
	helloTopic  = "hello"
	streamLimit = 4 << 10
)

// Frame is one message on the notification stream.
type Frame struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

func parseTopics(raw string) ([]bus.Topic, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return bus.StreamTopics(), nil
	}
	parts := strings.Split(raw, ",")
	topics := make([]bus.Topic, 0, len(parts))
	for _, part := range parts {
		topic := bus.Topic(strings.TrimSpace(part))
		if !topic.Valid() {
			return nil, fmt.Errorf("unknown topic %q", topic)
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

// stream upgrades to a WebSocket and relays bus notifications as JSON frames
// until either side closes.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	select {
	case <-s.closing:
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug("stream upgrade failed", observability.Err(err))
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()
	conn.SetReadLimit(streamLimit)

	s.streams.Add(1)
	defer s.streams.Done()
	s.streamGauge.Add(r.Context(), 1)
	defer s.streamGauge.Add(context.Background(), -1)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	notifications, cancel := s.backend.Bus().Stream(topics, s.cfg.StreamBuffer)
	defer cancel()

	if err := s.writeFrame(ctx, conn, Frame{Topic: helloTopic, At: time.Now().UTC(), Payload: s.health()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case n, ok := <-notifications:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "notifications closed")
				return
			}
			frame := Frame{Topic: string(n.Topic), At: n.At.UTC(), Payload: s.framePayload(n.Payload)}
			if err := s.writeFrame(ctx, conn, frame); err != nil {
				s.logger.Debug("stream write failed", observability.F("topic", n.Topic), observability.Err(err))
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := encodeJSON(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	s.framesCounter.Add(ctx, 1)
	return nil
}
