// Package config loads the engine's tunables from a yaml file. Every policy
// constant the scheduler and peers consult lives here rather than in code.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Config carries the session tunables.
type Config struct {
	MaxPeers          int
	MaxPendingPerPeer int
	EndgameThreshold  int
	BlockRetryLimit   int
	StorageRetryLimit int
	UnchokeSlots      int
	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	PeerTimeout       time.Duration
	KeepAliveInterval time.Duration
	TickInterval      time.Duration
	ChokeInterval     time.Duration
	ListenPort        int
	// DownloadRateLimit caps received block bytes per second per peer,
	// 0 means unlimited.
	DownloadRateLimit int
}

// fileConfig is the yaml shape; timeouts and intervals are whole seconds.
type fileConfig struct {
	MaxPeers          *int `yaml:"maxPeers,omitempty"`
	MaxPendingPerPeer *int `yaml:"maxPendingPerPeer,omitempty"`
	EndgameThreshold  *int `yaml:"endgameThreshold,omitempty"`
	BlockRetryLimit   *int `yaml:"blockRetryLimit,omitempty"`
	StorageRetryLimit *int `yaml:"storageRetryLimit,omitempty"`
	UnchokeSlots      *int `yaml:"unchokeSlots,omitempty"`
	RequestTimeout    *int `yaml:"requestTimeout,omitempty"`
	HandshakeTimeout  *int `yaml:"handshakeTimeout,omitempty"`
	PeerTimeout       *int `yaml:"peerTimeout,omitempty"`
	KeepAliveInterval *int `yaml:"keepAliveInterval,omitempty"`
	TickInterval      *int `yaml:"tickInterval,omitempty"`
	ChokeInterval     *int `yaml:"chokeInterval,omitempty"`
	ListenPort        *int `yaml:"listenPort,omitempty"`
	DownloadRateLimit *int `yaml:"downloadRateLimit,omitempty"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		MaxPeers:          30,
		MaxPendingPerPeer: 8,
		EndgameThreshold:  16,
		BlockRetryLimit:   5,
		StorageRetryLimit: 3,
		UnchokeSlots:      4,
		RequestTimeout:    30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		PeerTimeout:       2 * time.Minute,
		KeepAliveInterval: time.Minute,
		TickInterval:      time.Second,
		ChokeInterval:     10 * time.Second,
		ListenPort:        6881,
	}
}

func (c *Config) validate() error {
	if c.MaxPeers <= 0 {
		return errors.New("maxPeers must be positive")
	}
	if c.MaxPendingPerPeer <= 0 {
		return errors.New("maxPendingPerPeer must be positive")
	}
	if c.EndgameThreshold < 0 {
		return errors.New("endgameThreshold must not be negative")
	}
	if c.RequestTimeout <= 0 || c.HandshakeTimeout <= 0 || c.PeerTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.TickInterval <= 0 || c.ChokeInterval <= 0 {
		return errors.New("intervals must be positive")
	}
	if c.DownloadRateLimit < 0 {
		return errors.New("downloadRateLimit must not be negative")
	}
	return nil
}

func (fc *fileConfig) apply(c *Config) {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setSeconds := func(dst *time.Duration, src *int) {
		if src != nil {
			*dst = time.Duration(*src) * time.Second
		}
	}

	setInt(&c.MaxPeers, fc.MaxPeers)
	setInt(&c.MaxPendingPerPeer, fc.MaxPendingPerPeer)
	setInt(&c.EndgameThreshold, fc.EndgameThreshold)
	setInt(&c.BlockRetryLimit, fc.BlockRetryLimit)
	setInt(&c.StorageRetryLimit, fc.StorageRetryLimit)
	setInt(&c.UnchokeSlots, fc.UnchokeSlots)
	setInt(&c.ListenPort, fc.ListenPort)
	setInt(&c.DownloadRateLimit, fc.DownloadRateLimit)
	setSeconds(&c.RequestTimeout, fc.RequestTimeout)
	setSeconds(&c.HandshakeTimeout, fc.HandshakeTimeout)
	setSeconds(&c.PeerTimeout, fc.PeerTimeout)
	setSeconds(&c.KeepAliveInterval, fc.KeepAliveInterval)
	setSeconds(&c.TickInterval, fc.TickInterval)
	setSeconds(&c.ChokeInterval, fc.ChokeInterval)
}

// LoadConfig reads a yaml file over the defaults. Fields absent from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration file %s", path)
	}

	fc := &fileConfig{}
	if err = yaml.Unmarshal(contents, fc); err != nil {
		return nil, errors.Wrap(err, "parsing configuration")
	}

	c := Default()
	fc.apply(c)
	if err = c.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}
