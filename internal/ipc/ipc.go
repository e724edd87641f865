// Package ipc implements the length-prefixed typed framing used between the
// Listener and Worker processes over a local socket.
//
// Wire format, little-endian, UTF-8 body:
//
//	message_type  int32   (MessageType)
//	body_length   uint32  (bytes)
//	body          []byte  (exactly body_length bytes of UTF-8 text)
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MessageType tags an IPC frame.
type MessageType int32

const (
	NotInitialized          MessageType = -1
	NewJobRequest           MessageType = 1
	CancelRequest           MessageType = 2
	RunnerShutdown          MessageType = 3
	OperatingSystemShutdown MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case NewJobRequest:
		return "NewJobRequest"
	case CancelRequest:
		return "CancelRequest"
	case RunnerShutdown:
		return "RunnerShutdown"
	case OperatingSystemShutdown:
		return "OperatingSystemShutdown"
	default:
		return "NotInitialized"
	}
}

// Message is one frame exchanged between Listener and Worker.
type Message struct {
	Type MessageType
	Body string
}

// Channel is a half-duplex-per-direction framed connection: one reader task
// and one writer task are expected per side, matching §5's resource model.
type Channel struct {
	conn net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewChannel wraps an already-connected net.Conn (a Unix domain socket on
// POSIX hosts) in the tri-part framing protocol.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Send writes one frame atomically from the sender's perspective: the
// internal write lock ensures a concurrent Send never interleaves its bytes
// with another.
func (c *Channel) Send(msgType MessageType, body string) error {
	if !utf8.ValidString(body) {
		return fmt.Errorf("ipc: body is not valid UTF-8")
	}

	bodyBytes := []byte(body)
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(int32(msgType)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(bodyBytes)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("ipc: write header: %w", err)
	}
	if len(bodyBytes) > 0 {
		if _, err := c.conn.Write(bodyBytes); err != nil {
			return fmt.Errorf("ipc: write body: %w", err)
		}
	}
	return nil
}

// Receive blocks until a complete frame is read or the peer closes the
// connection. An EOF encountered mid-frame is reported as an error, not a
// clean close.
func (c *Channel) Receive() (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	header := make([]byte, 8)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("ipc: read header: %w", err)
	}

	msgType := MessageType(int32(binary.LittleEndian.Uint32(header[0:4])))
	bodyLen := binary.LittleEndian.Uint32(header[4:8])

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return Message{}, fmt.Errorf("ipc: read body: %w", err)
		}
	}

	if !utf8.Valid(body) {
		return Message{}, fmt.Errorf("ipc: body is not valid UTF-8")
	}

	return Message{Type: msgType, Body: string(body)}, nil
}

// Close releases the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Server is the Listener side of the channel: it owns the socket file and
// accepts exactly one Worker connection per dispatched job.
type Server struct {
	socketPath string
	listener   net.Listener
}

// NewServer binds a fresh Unix domain socket under dir and returns a Server
// ready to Accept. The returned path is what the Worker is given via
// --pipeIn/--pipeOut.
func NewServer(dir string) (*Server, error) {
	socketPath := dir + "/fleetrunner-ipc-" + uuid.NewString() + ".sock"

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: bind socket %s: %w", socketPath, err)
	}

	return &Server{socketPath: socketPath, listener: l}, nil
}

// SocketPath returns the filesystem path the Worker should connect to.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Accept blocks until the Worker connects, returning a framed Channel.
func (s *Server) Accept() (*Channel, error) {
	conn, err := s.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("ipc: accept: %w", err)
	}
	return NewChannel(conn), nil
}

// Close removes the listening socket and its backing file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

// Dial connects to a Server's socket from the Worker side.
func Dial(socketPath string) (*Channel, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return NewChannel(conn), nil
}
