// Package session coordinates a download: it owns the peer set, the piece
// store, the rarity tracker and the scheduler, and drives them from a single
// event loop. Peer goroutines only ever talk to the loop through channels,
// so all shared state mutation happens in one place.
package session

import (
	"context"
	"math/rand"
	"sort"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LuizSSampaio/terrent/config"
	"github.com/LuizSSampaio/terrent/metainfo"
	"github.com/LuizSSampaio/terrent/peer"
	"github.com/LuizSSampaio/terrent/piece"
	"github.com/LuizSSampaio/terrent/scheduler"
	"github.com/LuizSSampaio/terrent/stats"
	"github.com/LuizSSampaio/terrent/storage"
	"github.com/LuizSSampaio/terrent/tracker"
	"github.com/LuizSSampaio/terrent/wire"
)

// link is the slice of peer.Conn the session loop needs; narrowed to an
// interface so loop logic is testable against a fake.
type link interface {
	ID() string
	Send(msg *wire.Message)
	SetClientInterested(interested bool)
	SetClientChoking(choking bool)
	PeerChoking() bool
	PeerInterested() bool
	ClientChoking() bool
	Close()
}

type peerHandle struct {
	link       link
	bitfield   bitmap.Bitmap
	connected  bool
	interested bool // our interest in the peer
	penalties  int
}

// Session drives one torrent download to completion.
type Session struct {
	info  *metainfo.Info
	cfg   *config.Config
	sink  storage.Sink
	log   zerolog.Logger
	store *piece.Store
	rare  *piece.Rarity
	sched *scheduler.Scheduler
	stats *stats.Stats

	peerID [20]byte
	feed   <-chan tracker.Addr

	events chan peer.Event
	dialed chan *peer.Conn
	notify chan Notification

	peers   map[string]*peerHandle
	known   map[string]bool // addresses seen from discovery
	dialing int
}

// New assembles a session. The discovery feed delivers candidate peer
// addresses; the session decides whom to connect.
func New(info *metainfo.Info, cfg *config.Config, sink storage.Sink, feed <-chan tracker.Addr, peerID [20]byte, log zerolog.Logger) *Session {
	store := piece.NewStore(info, sink, cfg.StorageRetryLimit, log)
	rare := piece.NewRarity(info.PieceCount())
	schedCfg := scheduler.Config{
		MaxPendingPerPeer: cfg.MaxPendingPerPeer,
		RequestTimeout:    cfg.RequestTimeout,
		EndgameThreshold:  cfg.EndgameThreshold,
		BlockRetryLimit:   cfg.BlockRetryLimit,
	}
	return &Session{
		info:   info,
		cfg:    cfg,
		sink:   sink,
		log:    log,
		store:  store,
		rare:   rare,
		sched:  scheduler.New(store, rare, schedCfg, log),
		stats:  stats.NewStats(),
		peerID: peerID,
		feed:   feed,
		events: make(chan peer.Event, 256),
		dialed: make(chan *peer.Conn, 8),
		notify: make(chan Notification, 64),
		peers:  make(map[string]*peerHandle),
		known:  make(map[string]bool),
	}
}

// Notifications is the outward event stream for the UI layer. Best effort:
// the engine never blocks on a slow consumer.
func (s *Session) Notifications() <-chan Notification {
	return s.notify
}

// TrackerProgress reports the counters trackers want on each announce. Left
// sums the actual unverified piece lengths, short final piece included.
func (s *Session) TrackerProgress() tracker.Progress {
	downloaded, uploaded := s.stats.Totals()
	left := 0
	for i := 0; i < s.info.PieceCount(); i++ {
		if !s.store.PieceVerified(i) {
			left += s.info.PieceLen(i)
		}
	}
	return tracker.Progress{Downloaded: downloaded, Uploaded: uploaded, Left: left}
}

// Run drives the session until completion, peer exhaustion or cancellation.
// On cancellation peers are signaled to disconnect and the loop drains until
// every peer goroutine has reported in.
func (s *Session) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.loop(ctx) })
	return group.Wait()
}

func (s *Session) loop(ctx context.Context) error {
	// every exit, not just cancellation, must close the peers and drain
	// their terminal events or their goroutines leak
	defer s.shutdown()

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	choke := time.NewTicker(s.cfg.ChokeInterval)
	defer choke.Stop()

	feed := s.feed
	for {
		select {
		case <-ctx.Done():
			return nil

		case addr, ok := <-feed:
			if !ok {
				feed = nil // exhaustion handled on ticks
				continue
			}
			s.considerPeer(addr)

		case conn := <-s.dialed:
			s.dialing--
			if conn == nil {
				continue
			}
			s.register(ctx, conn)

		case ev := <-s.events:
			if err := s.handleEvent(ev); err != nil {
				return err
			}

		case now := <-tick.C:
			done, err := s.tick(now, feed == nil)
			if err != nil || done {
				return err
			}

		case <-choke.C:
			s.rechoke()
		}
	}
}

// shutdown closes every peer and drains their terminal events so no peer
// goroutine is left blocked on the event channel. In-flight dials are waited
// out; their connections are closed on arrival.
func (s *Session) shutdown() {
	for _, h := range s.peers {
		h.link.Close()
	}
	for len(s.peers) > 0 || s.dialing > 0 {
		select {
		case ev := <-s.events:
			if ev.Type == peer.Disconnected {
				s.dropPeer(ev.PeerID)
			}
		case conn := <-s.dialed:
			s.dialing--
			if conn != nil {
				conn.Close()
			}
		}
	}
}

// considerPeer dials a discovered address if there is room in the peer set.
func (s *Session) considerPeer(addr tracker.Addr) {
	target := addr.String()
	if s.known[target] {
		return
	}
	s.known[target] = true

	if len(s.peers)+s.dialing >= s.cfg.MaxPeers {
		return
	}
	s.dialing++
	peerCfg := s.peerConfig()
	go func() {
		// the result is always delivered, nil included: dialing is only
		// decremented when the loop or shutdown receives it
		conn, err := peer.Dial(target, peerCfg, s.events, s.log)
		if err != nil {
			s.log.Debug().Err(err).Str("peer", target).Msg("dial failed")
			s.dialed <- nil
			return
		}
		s.dialed <- conn
	}()
}

func (s *Session) peerConfig() peer.Config {
	return peer.Config{
		InfoHash:          s.info.InfoHash,
		PeerID:            s.peerID,
		NumPieces:         s.info.PieceCount(),
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
		PeerTimeout:       s.cfg.PeerTimeout,
		KeepAliveInterval: s.cfg.KeepAliveInterval,
		DownloadRateLimit: s.cfg.DownloadRateLimit,
	}
}

func (s *Session) register(ctx context.Context, conn *peer.Conn) {
	if len(s.peers) >= s.cfg.MaxPeers {
		conn.Close()
		return
	}
	s.peers[conn.ID()] = &peerHandle{
		link:     conn,
		bitfield: bitmap.New(s.info.PieceCount()),
	}
	go conn.Start(ctx, s.store.Bitfield())
	s.log.Debug().Str("peer", conn.ID()).Int("peers", len(s.peers)).Msg("peer added")
}

func (s *Session) handleEvent(ev peer.Event) error {
	h, ok := s.peers[ev.PeerID]
	if !ok {
		return nil
	}

	switch ev.Type {
	case peer.Connected:
		h.connected = true

	case peer.BitfieldReceived:
		s.rare.RemoveBitfield(h.bitfield) // full resync
		fresh := bitmap.New(s.info.PieceCount())
		for i := 0; i < s.info.PieceCount(); i++ {
			fresh.Set(i, ev.Bitfield.Get(i))
		}
		h.bitfield = fresh
		s.rare.AddBitfield(h.bitfield)
		s.updateInterest(h)

	case peer.HavePiece:
		if !h.bitfield.Get(ev.Piece) {
			h.bitfield.Set(ev.Piece, true)
			s.rare.AddHave(ev.Piece)
		}
		s.updateInterest(h)

	case peer.BlockReceived:
		return s.handleBlock(ev, h)

	case peer.BlockRequested:
		s.handleUploadRequest(ev, h)

	case peer.Choked, peer.Unchoked, peer.Interested, peer.NotInterested:
		// flags live on the conn; the next tick and rechoke read them

	case peer.RequestCancelled:
		// uploads are served synchronously, nothing queued to withdraw

	case peer.Disconnected:
		if ev.Err != nil {
			s.log.Debug().Err(ev.Err).Str("peer", ev.PeerID).Msg("peer disconnected")
		}
		s.dropPeer(ev.PeerID)
	}
	return nil
}

func (s *Session) handleBlock(ev peer.Event, h *peerHandle) error {
	s.stats.AddDownloaded(ev.PeerID, len(ev.Data))

	for _, loser := range s.sched.Completed(ev.Piece, ev.Offset, ev.PeerID) {
		if other, ok := s.peers[loser]; ok {
			other.link.Send(wire.NewCancel(ev.Piece, ev.Offset, len(ev.Data)))
		}
	}

	verified, err := s.store.SubmitBlock(ev.Piece, ev.Offset, ev.Data, ev.PeerID)
	if err != nil {
		var failure *piece.VerificationFailure
		if errors.As(err, &failure) {
			s.penalize(failure)
			return nil
		}
		var persistence *piece.PersistenceError
		if errors.As(err, &persistence) {
			return err
		}
		// a block that does not fit the piece layout is a protocol
		// violation by this peer
		s.log.Warn().Err(err).Str("peer", ev.PeerID).Msg("rejecting block")
		h.link.Close()
		return nil
	}

	if verified {
		s.announceHave(ev.Piece)
		s.emitNotification(Notification{Type: PieceVerified, Piece: ev.Piece, Progress: s.snapshot()})
	}
	return nil
}

// penalize records a soft penalty against every peer that contributed to a
// corrupt piece. Penalized peers are scheduled last, not ejected: one bad
// block does not prove malice.
func (s *Session) penalize(failure *piece.VerificationFailure) {
	for _, id := range failure.Contributors {
		if h, ok := s.peers[id]; ok {
			h.penalties++
		}
	}
	s.sched.Failed(failure.Piece)
	s.log.Warn().Int("piece", failure.Piece).Msg("piece re-queued after failed verification")
	s.emitNotification(Notification{Type: PieceCorrupt, Piece: failure.Piece, Progress: s.snapshot()})
}

func (s *Session) handleUploadRequest(ev peer.Event, h *peerHandle) {
	if h.link.ClientChoking() {
		// requests from choked peers are ignored per protocol
		return
	}
	if ev.Length <= 0 || ev.Length > metainfo.BlockLen || !s.store.PieceVerified(ev.Piece) {
		return
	}
	data, err := s.sink.ReadBlock(ev.Piece, ev.Offset, ev.Length)
	if err != nil {
		s.log.Error().Err(err).Int("piece", ev.Piece).Msg("serving block failed")
		return
	}
	h.link.Send(wire.NewPiece(ev.Piece, ev.Offset, data))
	s.stats.AddUploaded(ev.PeerID, len(data))
}

func (s *Session) announceHave(index int) {
	for _, h := range s.peers {
		if h.connected {
			h.link.Send(wire.NewHave(index))
		}
	}
	// our interest in peers may end once we hold the piece
	for _, h := range s.peers {
		s.updateInterest(h)
	}
}

// updateInterest declares interest in any peer holding a piece we lack.
func (s *Session) updateInterest(h *peerHandle) {
	interested := false
	for i := 0; i < s.info.PieceCount(); i++ {
		if h.bitfield.Get(i) && !s.store.PieceVerified(i) {
			interested = true
			break
		}
	}
	if interested != h.interested {
		h.interested = interested
		h.link.SetClientInterested(interested)
	}
}

func (s *Session) dropPeer(id string) {
	h, ok := s.peers[id]
	if !ok {
		return
	}
	if h.bitfield != nil {
		s.rare.RemoveBitfield(h.bitfield)
	}
	released := s.sched.ReleasePeer(id)
	s.stats.RemovePeer(id)
	delete(s.peers, id)
	s.log.Debug().Str("peer", id).Int("released", released).Int("peers", len(s.peers)).
		Msg("peer removed, requests returned to pool")
}

// tick runs one scheduler pass and reports progress outward.
func (s *Session) tick(now time.Time, feedClosed bool) (bool, error) {
	s.stats.Sample()

	candidates := s.candidates()
	for peerID, batch := range s.sched.Tick(now, candidates) {
		h := s.peers[peerID]
		for _, req := range batch {
			h.link.Send(wire.NewRequest(req.Piece, req.Offset, req.Length))
		}
	}

	s.emitNotification(Notification{Type: ProgressUpdated, Progress: s.snapshot()})

	if s.sched.IsComplete() {
		s.log.Info().Msg("download complete")
		s.emitNotification(Notification{Type: Completed, Progress: s.snapshot()})
		return true, nil
	}
	if feedClosed && len(s.peers) == 0 && s.dialing == 0 {
		return true, errors.New("all peers exhausted before completion")
	}
	return false, nil
}

// candidates snapshots the peers eligible for requests this tick: connected,
// not choking us, and interesting to us. Penalized peers sort last so
// verified-bad data sources are drawn from only when nothing else is
// available.
func (s *Session) candidates() []scheduler.Candidate {
	ids := make([]string, 0, len(s.peers))
	for id, h := range s.peers {
		if h.connected && h.interested && !h.link.PeerChoking() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.peers[ids[i]], s.peers[ids[j]]
		if a.penalties != b.penalties {
			return a.penalties < b.penalties
		}
		return ids[i] < ids[j]
	})

	candidates := make([]scheduler.Candidate, len(ids))
	for i, id := range ids {
		candidates[i] = scheduler.Candidate{ID: id, Bitfield: s.peers[id].bitfield}
	}
	return candidates
}

// rechoke unchokes the fastest interested peers plus everyone else up to the
// slot budget, choking the rest. A simplified tit-for-tat: upload slots go
// to the peers we download most from.
func (s *Session) rechoke() {
	type ranked struct {
		h    *peerHandle
		rate int
	}

	interested := make([]ranked, 0, len(s.peers))
	for id, h := range s.peers {
		if !h.connected {
			continue
		}
		if h.link.PeerInterested() {
			interested = append(interested, ranked{h: h, rate: s.stats.PeerRates(id).DownloadRate})
		} else {
			// nothing to serve them yet; keep them choked without
			// burning a slot
			h.link.SetClientChoking(true)
		}
	}

	sort.Slice(interested, func(i, j int) bool { return interested[i].rate > interested[j].rate })

	// the last slot rotates to a random slower peer so newcomers with no
	// rate history still get unchoked eventually
	slots := s.cfg.UnchokeSlots
	if slots > 0 && len(interested) > slots {
		regular := slots - 1
		pick := regular + rand.Intn(len(interested)-regular)
		interested[regular], interested[pick] = interested[pick], interested[regular]
	}

	for i, r := range interested {
		r.h.link.SetClientChoking(i >= slots)
	}
}

func (s *Session) snapshot() Progress {
	download, upload := s.stats.Rates()
	verified := s.store.NumVerified()
	total := s.info.PieceCount()
	return Progress{
		VerifiedPieces: verified,
		TotalPieces:    total,
		Percent:        100 * float64(verified) / float64(total),
		Peers:          len(s.peers),
		DownloadRate:   download,
		UploadRate:     upload,
		Complete:       verified == total,
	}
}

func (s *Session) emitNotification(n Notification) {
	select {
	case s.notify <- n:
	default:
		// UI consumers must never stall the engine
	}
}
