package metainfo

import (
	"bytes"
	"crypto/sha1"
	"io"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// HashLen is the length of a SHA-1 piece digest.
const HashLen = 20

// BlockLen is the transfer block size, 16KiB per convention.
const BlockLen = 16 * 1024

// Info is the pre-parsed description of a torrent: everything the engine
// needs to schedule, verify and store pieces. The raw .torrent file is only
// touched here.
type Info struct {
	Name        string
	Announce    []string
	InfoHash    [HashLen]byte
	PieceLength int
	TotalLength int
	Hashes      [][HashLen]byte
}

type bencodeInfo struct {
	Name        string `bencode:"name"`
	PieceLength int    `bencode:"piece length"`
	Length      int    `bencode:"length"`
	Pieces      string `bencode:"pieces"`
}

type bencodeTorrent struct {
	Announce     string       `bencode:"announce"`
	AnnounceList [][]string   `bencode:"announce-list"`
	Info         bencodeInfo  `bencode:"info"`
}

// Parse reads a bencoded .torrent file into an Info.
func Parse(r io.Reader) (*Info, error) {
	var bt bencodeTorrent
	if err := bencode.Unmarshal(r, &bt); err != nil {
		return nil, errors.Wrap(err, "decoding torrent file")
	}
	return bt.toInfo()
}

func (bt *bencodeTorrent) toInfo() (*Info, error) {
	if bt.Info.PieceLength <= 0 {
		return nil, errors.New("non-positive piece length")
	}
	if bt.Info.Length <= 0 {
		return nil, errors.New("non-positive total length")
	}

	hashes, err := splitHashes([]byte(bt.Info.Pieces))
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	if err := bencode.Marshal(buf, bt.Info); err != nil {
		return nil, errors.Wrap(err, "re-encoding info dict")
	}

	announce := make([]string, 0, 1)
	if bt.Announce != "" {
		announce = append(announce, bt.Announce)
	}
	for _, tier := range bt.AnnounceList {
		for _, link := range tier {
			if link != bt.Announce {
				announce = append(announce, link)
			}
		}
	}

	return &Info{
		Name:        bt.Info.Name,
		Announce:    announce,
		InfoHash:    sha1.Sum(buf.Bytes()),
		PieceLength: bt.Info.PieceLength,
		TotalLength: bt.Info.Length,
		Hashes:      hashes,
	}, nil
}

func splitHashes(pieces []byte) ([][HashLen]byte, error) {
	if len(pieces)%HashLen != 0 {
		return nil, errors.Errorf("pieces blob of %d bytes is not divisible by %d", len(pieces), HashLen)
	}
	hashes := make([][HashLen]byte, len(pieces)/HashLen)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*HashLen:(i+1)*HashLen])
	}
	return hashes, nil
}

// PieceCount returns the number of pieces.
func (i *Info) PieceCount() int {
	return len(i.Hashes)
}

// PieceLen returns the byte length of the given piece, accounting for the
// short final piece.
func (i *Info) PieceLen(index int) int {
	if index == i.PieceCount()-1 {
		if last := i.TotalLength % i.PieceLength; last != 0 {
			return last
		}
	}
	return i.PieceLength
}

// BlockCount returns the number of blocks in the given piece.
func (i *Info) BlockCount(index int) int {
	length := i.PieceLen(index)
	return (length + BlockLen - 1) / BlockLen
}

// BlockLength returns the byte length of the block starting at offset within
// the given piece.
func (i *Info) BlockLength(index, offset int) int {
	if remaining := i.PieceLen(index) - offset; remaining < BlockLen {
		return remaining
	}
	return BlockLen
}
