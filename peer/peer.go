// Package peer owns one wire connection per remote peer: the handshake, the
// reader/writer goroutine pair and the choke/interest flags. Peers never
// touch shared engine state directly; everything they learn flows to the
// session through an event channel.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/LuizSSampaio/terrent/metainfo"
	"github.com/LuizSSampaio/terrent/wire"
)

// HandshakeError is fatal to one connection: protocol or infohash mismatch,
// or a handshake timeout.
type HandshakeError struct {
	Addr string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %v", e.Addr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Config carries the per-connection tunables and torrent identity.
type Config struct {
	InfoHash          [metainfo.HashLen]byte
	PeerID            [20]byte
	NumPieces         int
	HandshakeTimeout  time.Duration
	PeerTimeout       time.Duration
	KeepAliveInterval time.Duration
	// DownloadRateLimit in bytes per second, 0 for unlimited. Applied by
	// blocking the reader, which backpressures the remote through TCP.
	DownloadRateLimit int
}

// Conn is one peer connection. The zero state after New is Handshaking;
// Start drives it to Established or Disconnected.
type Conn struct {
	id   string
	cfg  Config
	log  zerolog.Logger
	conn net.Conn

	events     chan<- Event
	out        chan *wire.Message
	done       chan struct{}
	closing    sync.Once
	limiter    *rate.Limiter
	maxPayload int

	mu               sync.Mutex
	peerChoking      bool
	peerInterested   bool
	clientChoking    bool
	clientInterested bool
	remoteID         [20]byte
}

// New wraps an established transport (already dialed, not yet handshaken).
// The peer's stable identifier is its remote address.
func New(conn net.Conn, cfg Config, events chan<- Event, log zerolog.Logger) *Conn {
	c := &Conn{
		id:            conn.RemoteAddr().String(),
		cfg:           cfg,
		conn:          conn,
		events:        events,
		out:           make(chan *wire.Message, 64),
		done:          make(chan struct{}),
		peerChoking:   true,
		clientChoking: true,
		maxPayload:    wire.MaxPayload(cfg.NumPieces),
	}
	c.log = log.With().Str("peer", c.id).Logger()
	if cfg.DownloadRateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.DownloadRateLimit), metainfo.BlockLen)
	}
	return c
}

// Dial connects to addr within the handshake timeout and wraps the
// connection.
func Dial(addr string, cfg Config, events chan<- Event, log zerolog.Logger) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, cfg.HandshakeTimeout)
	if err != nil {
		return nil, &HandshakeError{Addr: addr, Err: err}
	}
	return New(conn, cfg, events, log), nil
}

// ID returns the peer's stable identifier.
func (c *Conn) ID() string { return c.id }

// Start performs the handshake, announces our bitfield and runs the reader
// and writer until the connection dies. It always emits a Disconnected event
// on the way out. Run it in its own goroutine.
func (c *Conn) Start(ctx context.Context, ourBitfield []byte) {
	if err := c.handshake(); err != nil {
		c.log.Debug().Err(err).Msg("handshake failed")
		c.fail(err)
		return
	}

	c.emit(Event{Type: Connected})
	c.Send(wire.NewBitfield(ourBitfield))

	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.readLoop()
}

func (c *Conn) handshake() error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return &HandshakeError{Addr: c.id, Err: err}
	}

	ours := &wire.Handshake{InfoHash: c.cfg.InfoHash, PeerID: c.cfg.PeerID}
	if _, err := c.conn.Write(ours.Marshal()); err != nil {
		return &HandshakeError{Addr: c.id, Err: err}
	}

	theirs, err := wire.ReadHandshake(c.conn, c.cfg.InfoHash)
	if err != nil {
		return &HandshakeError{Addr: c.id, Err: err}
	}

	c.mu.Lock()
	c.remoteID = theirs.PeerID
	c.mu.Unlock()

	// handshake deadline no longer applies; the read loop sets its own
	return c.conn.SetDeadline(time.Time{})
}

// readLoop parses incoming messages until an error. Inactivity past the peer
// timeout and malformed framing are both fatal to the connection.
func (c *Conn) readLoop() {
	defer c.fail(nil)

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PeerTimeout)); err != nil {
			return
		}

		msg, err := wire.ReadMessage(c.conn, c.maxPayload)
		if err != nil {
			if err == wire.ErrMalformedMessage {
				c.log.Warn().Msg("malformed message framing, dropping connection")
			}
			return
		}
		if msg == nil {
			// keep-alive
			continue
		}
		if !c.dispatch(msg) {
			return
		}
	}
}

func (c *Conn) dispatch(msg *wire.Message) bool {
	switch msg.ID {
	case wire.Choke:
		c.setPeerChoking(true)
		c.emit(Event{Type: Choked})
	case wire.Unchoke:
		c.setPeerChoking(false)
		c.emit(Event{Type: Unchoked})
	case wire.Interested:
		c.setPeerInterested(true)
		c.emit(Event{Type: Interested})
	case wire.NotInterested:
		c.setPeerInterested(false)
		c.emit(Event{Type: NotInterested})
	case wire.Have:
		index, err := wire.ParseHave(msg)
		if err != nil || index < 0 || index >= c.cfg.NumPieces {
			c.log.Warn().Msg("malformed have message")
			return false
		}
		c.emit(Event{Type: HavePiece, Piece: index})
	case wire.Bitfield:
		if len(msg.Payload) < (c.cfg.NumPieces+7)/8 {
			c.log.Warn().Msg("short bitfield")
			return false
		}
		c.emit(Event{Type: BitfieldReceived, Bitfield: bitmap.Bitmap(msg.Payload)})
	case wire.Request:
		index, begin, length, err := wire.ParseRequest(msg)
		if err != nil {
			return false
		}
		c.emit(Event{Type: BlockRequested, Piece: index, Offset: begin, Length: length})
	case wire.Cancel:
		index, begin, length, err := wire.ParseRequest(msg)
		if err != nil {
			return false
		}
		c.emit(Event{Type: RequestCancelled, Piece: index, Offset: begin, Length: length})
	case wire.Piece:
		index, begin, data, err := wire.ParsePiece(msg)
		if err != nil {
			return false
		}
		if c.limiter != nil {
			if err := c.limiter.WaitN(context.Background(), len(data)); err != nil {
				return false
			}
		}
		c.emit(Event{Type: BlockReceived, Piece: index, Offset: begin, Data: data})
	case wire.Port:
		// DHT port announcements are ignored
	default:
		c.log.Warn().Uint8("id", uint8(msg.ID)).Msg("unknown message id")
		return false
	}
	return true
}

// writeLoop drains the outgoing channel and keeps the connection alive.
func (c *Conn) writeLoop() {
	keepAlive := time.NewTicker(c.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				c.Close()
				return
			}
		case <-keepAlive.C:
			if err := c.write(nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(msg *wire.Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.PeerTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(msg.Marshal())
	return err
}

// Send queues a message. Sends on a dead connection are dropped.
func (c *Conn) Send(msg *wire.Message) {
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

// SetClientInterested flips our interest flag and tells the peer.
func (c *Conn) SetClientInterested(interested bool) {
	c.mu.Lock()
	changed := c.clientInterested != interested
	c.clientInterested = interested
	c.mu.Unlock()
	if !changed {
		return
	}
	if interested {
		c.Send(&wire.Message{ID: wire.Interested})
	} else {
		c.Send(&wire.Message{ID: wire.NotInterested})
	}
}

// SetClientChoking flips our choke flag and tells the peer.
func (c *Conn) SetClientChoking(choking bool) {
	c.mu.Lock()
	changed := c.clientChoking != choking
	c.clientChoking = choking
	c.mu.Unlock()
	if !changed {
		return
	}
	if choking {
		c.Send(&wire.Message{ID: wire.Choke})
	} else {
		c.Send(&wire.Message{ID: wire.Unchoke})
	}
}

// PeerChoking reports whether the remote side is choking us.
func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

// PeerInterested reports whether the remote side wants our pieces.
func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// ClientChoking reports whether we are choking the remote side.
func (c *Conn) ClientChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientChoking
}

func (c *Conn) setPeerChoking(v bool) {
	c.mu.Lock()
	c.peerChoking = v
	c.mu.Unlock()
}

func (c *Conn) setPeerInterested(v bool) {
	c.mu.Lock()
	c.peerInterested = v
	c.mu.Unlock()
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closing.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// fail closes the connection and emits the terminal Disconnected event.
func (c *Conn) fail(err error) {
	c.Close()
	c.events <- Event{PeerID: c.id, Type: Disconnected, Err: err}
}

func (c *Conn) emit(ev Event) {
	ev.PeerID = c.id
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
