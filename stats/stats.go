// Package stats accumulates per-peer transfer counters and derives rate
// snapshots over a sliding window of samples.
package stats

import (
	"sync"
)

// window is the number of samples the rates are averaged over. Sample is
// called once per tick, so with a one-second tick this is a ten second
// moving average.
const window = 10

// PeerStat is one peer's averaged transfer rates in bytes per sample.
type PeerStat struct {
	DownloadRate int
	UploadRate   int
}

type peerCounters struct {
	currentDown      int
	currentUp        int
	downloadActivity [window]int
	uploadActivity   [window]int
	i                int
	stat             PeerStat
}

// Stats tracks transfer totals and rates. Safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	totalDownloaded int
	totalUploaded   int
	peers           map[string]*peerCounters

	clientDown [window]int
	clientUp   [window]int
	i          int

	downloadRate int
	uploadRate   int
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{peers: make(map[string]*peerCounters)}
}

// AddDownloaded credits received payload bytes to a peer.
func (s *Stats) AddDownloaded(peerID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(peerID).currentDown += n
	s.totalDownloaded += n
}

// AddUploaded credits sent payload bytes to a peer.
func (s *Stats) AddUploaded(peerID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(peerID).currentUp += n
	s.totalUploaded += n
}

func (s *Stats) counters(peerID string) *peerCounters {
	pc, ok := s.peers[peerID]
	if !ok {
		pc = &peerCounters{}
		s.peers[peerID] = pc
	}
	return pc
}

// RemovePeer drops a disconnected peer's counters.
func (s *Stats) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// Sample rolls the per-tick counters into the moving averages. Call once per
// scheduler tick.
func (s *Stats) Sample() {
	s.mu.Lock()
	defer s.mu.Unlock()

	tickDown, tickUp := 0, 0
	for _, pc := range s.peers {
		pc.downloadActivity[pc.i] = pc.currentDown
		pc.uploadActivity[pc.i] = pc.currentUp
		pc.stat = PeerStat{
			DownloadRate: average(pc.downloadActivity),
			UploadRate:   average(pc.uploadActivity),
		}
		tickDown += pc.currentDown
		tickUp += pc.currentUp
		pc.currentDown, pc.currentUp = 0, 0
		pc.i = (pc.i + 1) % window
	}

	s.clientDown[s.i] = tickDown
	s.clientUp[s.i] = tickUp
	s.downloadRate = average(s.clientDown)
	s.uploadRate = average(s.clientUp)
	s.i = (s.i + 1) % window
}

func average(activity [window]int) int {
	sum := 0
	for _, n := range activity {
		sum += n
	}
	return sum / window
}

// Totals returns lifetime downloaded and uploaded byte counts.
func (s *Stats) Totals() (downloaded, uploaded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDownloaded, s.totalUploaded
}

// Rates returns the client-wide averaged rates from the last Sample.
func (s *Stats) Rates() (download, upload int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadRate, s.uploadRate
}

// PeerRates returns the averaged rates for one peer.
func (s *Stats) PeerRates(peerID string) PeerStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.peers[peerID]; ok {
		return pc.stat
	}
	return PeerStat{}
}
