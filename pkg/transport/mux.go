package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// mux is a minimal yamux-style frame multiplexer layered over one
// underlying net.Conn, giving the in-memory test Transport the same
// multiple-substreams-over-one-connection shape a real transport's
// multiplexer (e.g. yamux) provides. Frame format, fixed-size header
// followed by payload:
//
//	streamID uint32 | flag byte (0=open,1=data,2=close) | length uint32 | payload
type mux struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*muxStream
	nextID  uint32
	idStep  uint32 // 2, offset by 0 or 1 so client/server ids never collide

	acceptCh chan *muxStream
	closeCh  chan struct{}
	closeErr error
	once     sync.Once
}

const (
	flagOpen  = 0
	flagData  = 1
	flagClose = 2
)

func newMux(conn net.Conn, isClient bool) *mux {
	var m = &mux{
		conn:     conn,
		streams:  make(map[uint32]*muxStream),
		idStep:   2,
		acceptCh: make(chan *muxStream, 16),
		closeCh:  make(chan struct{}),
	}
	if isClient {
		m.nextID = 1
	} else {
		m.nextID = 2
	}
	go m.readLoop()
	return m
}

func (m *mux) openStream() (*muxStream, error) {
	m.mu.Lock()
	var id = m.nextID
	m.nextID += m.idStep
	var s = newMuxStream(m, id)
	m.streams[id] = s
	m.mu.Unlock()

	if err := m.writeFrame(id, flagOpen, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *mux) accept() (*muxStream, error) {
	select {
	case s := <-m.acceptCh:
		return s, nil
	case <-m.closeCh:
		return nil, m.closeErrOrDefault()
	}
}

func (m *mux) closeErrOrDefault() error {
	if m.closeErr != nil {
		return m.closeErr
	}
	return io.EOF
}

func (m *mux) writeFrame(id uint32, flag byte, payload []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var header [9]byte
	binary.BigEndian.PutUint32(header[0:4], id)
	header[4] = flag
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))

	if _, err := m.conn.Write(header[:]); err != nil {
		return fmt.Errorf("writing mux frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := m.conn.Write(payload); err != nil {
			return fmt.Errorf("writing mux frame payload: %w", err)
		}
	}
	return nil
}

func (m *mux) readLoop() {
	var header [9]byte
	for {
		if _, err := io.ReadFull(m.conn, header[:]); err != nil {
			m.teardown(err)
			return
		}
		var id = binary.BigEndian.Uint32(header[0:4])
		var flag = header[4]
		var length = binary.BigEndian.Uint32(header[5:9])

		var payload []byte
		if length > 0 {
			payload = make([]byte, length)
			if _, err := io.ReadFull(m.conn, payload); err != nil {
				m.teardown(err)
				return
			}
		}

		switch flag {
		case flagOpen:
			m.mu.Lock()
			var s = newMuxStream(m, id)
			m.streams[id] = s
			m.mu.Unlock()
			select {
			case m.acceptCh <- s:
			case <-m.closeCh:
				s.deliverEOF()
				return
			}
		case flagData:
			m.mu.Lock()
			var s = m.streams[id]
			m.mu.Unlock()
			if s != nil {
				s.deliver(payload)
			}
		case flagClose:
			m.mu.Lock()
			var s = m.streams[id]
			delete(m.streams, id)
			m.mu.Unlock()
			if s != nil {
				s.deliverEOF()
			}
		}
	}
}

func (m *mux) teardown(err error) {
	m.once.Do(func() {
		m.closeErr = err
		m.mu.Lock()
		for id, s := range m.streams {
			s.deliverEOF()
			delete(m.streams, id)
		}
		m.mu.Unlock()
		close(m.closeCh)
	})
}

func (m *mux) close() error {
	m.teardown(io.ErrClosedPipe)
	return m.conn.Close()
}

// muxStream is one Stream multiplexed over a mux. Inbound frame payloads
// are funneled through an internal net.Pipe so consumers get deadline
// support on reads.
type muxStream struct {
	m  *mux
	id uint32

	// in is the end the mux read loop writes delivered payloads to; out is
	// the end the stream's consumer reads from.
	in  net.Conn
	out net.Conn

	closeOnce sync.Once
}

func newMuxStream(m *mux, id uint32) *muxStream {
	var in, out = net.Pipe()
	return &muxStream{m: m, id: id, in: in, out: out}
}

func (s *muxStream) deliver(p []byte) {
	// If nothing ever reads, a slow consumer blocks the mux read loop:
	// backpressure propagates to the underlying connection rather than
	// buffering without bound.
	_, _ = s.in.Write(p)
}

func (s *muxStream) deliverEOF() {
	// Closing the delivery end surfaces io.EOF to the consumer's next Read.
	_ = s.in.Close()
}

func (s *muxStream) Read(p []byte) (int, error) {
	var n, err = s.out.Read(p)
	if err == io.ErrClosedPipe {
		err = io.EOF
	}
	return n, err
}

func (s *muxStream) Write(p []byte) (int, error) {
	if err := s.m.writeFrame(s.id, flagData, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *muxStream) SetDeadline(t time.Time) error {
	return s.out.SetReadDeadline(t)
}

func (s *muxStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.m.writeFrame(s.id, flagClose, nil)
		_ = s.in.Close()
		_ = s.out.Close()
	})
	return err
}

var _ Stream = (*muxStream)(nil)
