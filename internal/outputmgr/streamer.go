package outputmgr

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// LiveLine is one masked output line streamed to the Run Service's live
// log endpoint, in order.
type LiveLine struct {
	JobID     string    `json:"jobId"`
	StepID    string    `json:"stepId"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
	Sequence  int64     `json:"sequence"`
}

// Streamer pushes a step's output lines to a live-log WebSocket endpoint
// as they're produced, independent of and in addition to the completion
// record the Run Service client posts at the end of the job.
type Streamer struct {
	url   string
	token string
	log   *logrus.Entry

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	send chan LiveLine
	done chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	sequence int64
}

// NewStreamer creates a Streamer targeting wsURL. Connect must be called
// before any line written via Write reaches the server; until then, lines
// are silently dropped rather than buffered without bound.
func NewStreamer(wsURL, token string, log *logrus.Entry) *Streamer {
	return &Streamer{
		url:               wsURL,
		token:             token,
		log:               log,
		send:              make(chan LiveLine, 1000),
		done:              make(chan struct{}),
		reconnectDelay:    time.Second,
		maxReconnectDelay: 30 * time.Second,
	}
}

// Connect dials the live-log endpoint and starts the write pump.
func (s *Streamer) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	u, err := url.Parse(s.url)
	if err != nil {
		return fmt.Errorf("invalid live log URL: %w", err)
	}

	header := make(map[string][]string)
	if s.token != "" {
		header["Authorization"] = []string{"Bearer " + s.token}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to connect live log stream: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.reconnectDelay = time.Second

	go s.writePump()

	s.log.Debug("live log stream connected")
	return nil
}

// Disconnect closes the connection, if any, and reports the close-message
// and socket-close errors so the caller can fold them into its own
// end-of-job cleanup report.
func (s *Streamer) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	close(s.done)

	if s.conn == nil {
		return nil
	}
	writeErr := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	closeErr := s.conn.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// Write implements io.Writer so a Streamer can serve as an outputmgr sink
// alongside the step's primary stdout sink; each call is one output line
// (ProcessLine already splits the stream into lines before writing).
func (s *Streamer) Write(p []byte) (int, error) {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return len(p), nil
	}

	seq := atomic.AddInt64(&s.sequence, 1)
	line := LiveLine{Timestamp: time.Now(), Line: string(p), Sequence: seq}

	select {
	case s.send <- line:
	default:
		s.log.Warn("live log line dropped, send buffer full")
	}
	return len(p), nil
}

func (s *Streamer) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case line, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(line); err != nil {
				s.log.WithError(err).Warn("failed to send live log line")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
