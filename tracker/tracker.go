// Package tracker implements HTTP tracker announces and feeds discovered
// peer addresses to the session. Discovery beyond the announce/response
// exchange (DHT, PEX) is out of scope.
package tracker

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/LuizSSampaio/terrent/metainfo"
)

// defaultInterval is used when a tracker response omits the re-announce
// interval.
const defaultInterval = 2 * time.Minute

// Progress is what an announce reports upstream about the download.
type Progress struct {
	Downloaded int
	Uploaded   int
	Left       int
}

// Client announces to a torrent's trackers on an interval and pushes the
// returned peer addresses into the discovery feed.
type Client struct {
	http    *http.Client
	log     zerolog.Logger
	peerID  [20]byte
	port    int
	retries int
}

// NewClient builds a tracker client announcing the given peer identity and
// listen port.
func NewClient(peerID [20]byte, port int, log zerolog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
		peerID:  peerID,
		port:    port,
		retries: 1,
	}
}

// NewPeerID derives a 20-byte peer identity: an Azureus-style client prefix
// followed by random bytes.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-TE0001-")
	random := uuid.New()
	copy(id[8:], random[:])
	return id
}

type bencodeResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// Announce performs one announce against the given tracker and returns the
// peers it knows plus the interval until the next announce.
func (c *Client) Announce(ctx context.Context, announce string, info *metainfo.Info, progress Progress) ([]Addr, time.Duration, error) {
	link, err := buildAnnounceURL(announce, info, c.peerID, c.port, progress)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "building announce request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "announcing to %s", announce)
	}
	defer resp.Body.Close()

	var decoded bencodeResponse
	if err := bencode.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, 0, errors.Wrapf(err, "decoding announce response from %s", announce)
	}
	if decoded.FailureReason != "" {
		return nil, 0, errors.Errorf("tracker %s refused announce: %s", announce, decoded.FailureReason)
	}

	peers, err := UnmarshalPeers([]byte(decoded.Peers))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "peer list from %s", announce)
	}

	interval := defaultInterval
	if decoded.Interval > 0 {
		interval = time.Duration(decoded.Interval) * time.Second
	}
	return peers, interval, nil
}

func buildAnnounceURL(announce string, info *metainfo.Info, peerID [20]byte, port int, progress Progress) (string, error) {
	link, err := url.Parse(announce)
	if err != nil {
		return "", errors.Wrapf(err, "invalid announce url %s", announce)
	}

	query := url.Values{
		"info_hash":  []string{string(info.InfoHash[:])},
		"peer_id":    []string{string(peerID[:])},
		"port":       []string{strconv.Itoa(port)},
		"uploaded":   []string{strconv.Itoa(progress.Uploaded)},
		"downloaded": []string{strconv.Itoa(progress.Downloaded)},
		"left":       []string{strconv.Itoa(progress.Left)},
		"compact":    []string{"1"},
	}
	link.RawQuery = query.Encode()
	return link.String(), nil
}

// Run announces to every tracker of the torrent in turn and pushes returned
// addresses into feed until ctx is cancelled. Individual tracker failures
// are logged and retried on the next interval, never fatal.
func (c *Client) Run(ctx context.Context, info *metainfo.Info, progress func() Progress, feed chan<- Addr) {
	interval := time.Duration(0) // first announce immediately
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		interval = defaultInterval
		for _, announce := range info.Announce {
			peers, next, err := c.Announce(ctx, announce, info, progress())
			if err != nil {
				c.log.Warn().Err(err).Str("tracker", announce).Msg("announce failed")
				continue
			}
			c.log.Debug().Str("tracker", announce).Int("peers", len(peers)).Msg("announce ok")
			if next < interval {
				interval = next
			}
			for _, peer := range peers {
				select {
				case feed <- peer:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
