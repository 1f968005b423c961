package stats

import "testing"

func TestRatesAverageOverWindow(t *testing.T) {
	s := NewStats()

	for i := 0; i < window; i++ {
		s.AddDownloaded("a", 1000)
		s.AddUploaded("a", 100)
		s.Sample()
	}

	down, up := s.Rates()
	if down != 1000 || up != 100 {
		t.Errorf("steady state rates (%d, %d), expected (1000, 100)", down, up)
	}

	peer := s.PeerRates("a")
	if peer.DownloadRate != 1000 || peer.UploadRate != 100 {
		t.Errorf("peer rates %+v, expected 1000/100", peer)
	}

	downloaded, uploaded := s.Totals()
	if downloaded != window*1000 || uploaded != window*100 {
		t.Errorf("totals (%d, %d)", downloaded, uploaded)
	}
}

func TestRemovePeerDropsCounters(t *testing.T) {
	s := NewStats()
	s.AddDownloaded("a", 500)
	s.RemovePeer("a")
	s.Sample()

	if got := s.PeerRates("a"); got != (PeerStat{}) {
		t.Errorf("removed peer still has rates %+v", got)
	}

	// totals survive the peer
	if downloaded, _ := s.Totals(); downloaded != 500 {
		t.Errorf("total downloaded %d, expected 500", downloaded)
	}
}
