// Package storage defines the persistence sink the engine writes verified
// pieces through, plus a single-file implementation on afero.
package storage

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/LuizSSampaio/terrent/metainfo"
)

var appFS = afero.NewOsFs()

// Sink is the block-level persistence contract. File-path mapping and disk
// layout live behind it; the engine only speaks piece/offset coordinates.
type Sink interface {
	WriteBlock(pieceIndex, offset int, data []byte) error
	ReadBlock(pieceIndex, offset, length int) ([]byte, error)
	Close() error
}

// fileSink lays pieces out contiguously in a single file.
type fileSink struct {
	file        afero.File
	pieceLength int
}

// NewFileSink creates (or truncates into place) the download target and
// returns a Sink over it.
func NewFileSink(path string, info *metainfo.Info) (Sink, error) {
	file, err := appFS.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating download target %s", path)
	}
	if err := file.Truncate(int64(info.TotalLength)); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "sizing download target")
	}
	return &fileSink{file: file, pieceLength: info.PieceLength}, nil
}

func (s *fileSink) WriteBlock(pieceIndex, offset int, data []byte) error {
	pos := int64(pieceIndex)*int64(s.pieceLength) + int64(offset)
	if _, err := s.file.WriteAt(data, pos); err != nil {
		return errors.Wrapf(err, "writing piece %d at offset %d", pieceIndex, offset)
	}
	return nil
}

func (s *fileSink) ReadBlock(pieceIndex, offset, length int) ([]byte, error) {
	pos := int64(pieceIndex)*int64(s.pieceLength) + int64(offset)
	data := make([]byte, length)
	if _, err := s.file.ReadAt(data, pos); err != nil {
		return nil, errors.Wrapf(err, "reading piece %d at offset %d", pieceIndex, offset)
	}
	return data, nil
}

func (s *fileSink) Close() error {
	return s.file.Close()
}
