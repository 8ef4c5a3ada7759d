package codec

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/BaSui01/flowrun/isolate/port"
)

// Stream pull protocol. The consumer posts a read request; the producer
// answers with data, end or error.
const (
	MsgRead  = "read"
	MsgData  = "data"
	MsgEnd   = "end"
	MsgError = "error"
)

// ChunkSize is the largest payload of a single data message.
const ChunkSize = 32 * 1024

// ErrStreamClosed is returned by reads after the consumer closed the stream.
var ErrStreamClosed = errors.New("codec: stream closed")

// exposeReader serves r over a fresh channel and returns the endpoint to hand
// to the other side.
func exposeReader(r io.Reader) *port.Port {
	local, remote := port.NewChannel()
	go serveReader(local, r)
	return remote
}

func serveReader(p *port.Port, r io.Reader) {
	defer p.Close()
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	buf := make([]byte, ChunkSize)
	for {
		msg, err := p.Receive(context.Background())
		if err != nil {
			return
		}
		if m, ok := msg.(map[string]any); !ok || m["type"] != MsgRead {
			continue
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			_ = p.Post(map[string]any{"type": MsgData, "value": append([]byte(nil), buf[:n]...)})
		}
		switch {
		case errors.Is(rerr, io.EOF):
			_ = p.Post(map[string]any{"type": MsgEnd})
			return
		case rerr != nil:
			_ = p.Post(map[string]any{"type": MsgError, "error": serializeError(rerr, nil)})
			return
		case n == 0:
			// Empty read without error; the consumer asks again.
			_ = p.Post(map[string]any{"type": MsgData, "value": []byte{}})
		}
	}
}

// remoteStream is the consumer end of a proxied reader.
type remoteStream struct {
	p *port.Port

	mu     sync.Mutex
	buf    []byte
	err    error
	closed bool
}

func newRemoteStream(p *port.Port) io.ReadCloser {
	return &remoteStream{p: p}
}

func (s *remoteStream) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 {
		if s.closed {
			return 0, ErrStreamClosed
		}
		if s.err != nil {
			return 0, s.err
		}
		s.pull()
	}
	n := copy(b, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// pull requests one chunk. The request may fail if the producer already
// finished; its final messages are still queued and are read regardless.
func (s *remoteStream) pull() {
	_ = s.p.Post(map[string]any{"type": MsgRead})
	msg, err := s.p.Receive(context.Background())
	if err != nil {
		if s.err == nil {
			s.err = io.ErrUnexpectedEOF
		}
		return
	}
	m, _ := msg.(map[string]any)
	switch m["type"] {
	case MsgData:
		switch v := m["value"].(type) {
		case []byte:
			s.buf = v
		case string:
			s.buf = []byte(v)
		}
	case MsgEnd:
		s.err = io.EOF
		s.p.Close()
	case MsgError:
		s.err = io.ErrUnexpectedEOF
		if rec, ok := m["error"].(map[string]any); ok {
			if e, ok := Deserialize(rec).(error); ok {
				s.err = e
			}
		}
		s.p.Close()
	}
}

// Close cancels the stream. No further read requests are sent and the
// producer releases its reader.
func (s *remoteStream) Close() error {
	s.p.Close()
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	return nil
}
