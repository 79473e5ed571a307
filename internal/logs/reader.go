package logs

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"

	"routereplay/internal/logger"
)

// Record layout: uint32le length | uint16le kind | uint64le monoTime |
// payload. The length counts everything after itself, so the smallest valid
// record claims headerSize-lenSize bytes.
const (
	lenSize    = 4
	headerSize = 14
)

// ErrMalformedRecord marks a structurally invalid record encountered before
// the truncation point. Unlike truncation, this fails the whole load.
var ErrMalformedRecord = errors.New("logs: malformed record")

var (
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	bzip2Magic = []byte("BZh")
)

// Reader decodes one segment's event log into an ordered event sequence.
type Reader struct {
	// Events is sorted by MonoTime after a successful Load, with original
	// file order preserved among equal timestamps.
	Events []Event

	logger logger.Logger
}

// NewReader creates a log reader.
func NewReader(log logger.Logger) *Reader {
	if log == nil {
		log = logger.Nop{}
	}
	return &Reader{logger: log}
}

// Load decompresses and deframes data. A stream that ends mid-record yields
// every fully decoded event before the cut; crash-salvaged logs are a normal
// input, not an error.
func (r *Reader) Load(data []byte) error {
	raw, err := r.decompress(data)
	if err != nil {
		return err
	}

	var events []Event
	for off := 0; off < len(raw); {
		if len(raw)-off < lenSize {
			r.logger.Debugf("Log truncated inside a length prefix at offset %d, keeping %d events", off, len(events))
			break
		}
		recLen := int(binary.LittleEndian.Uint32(raw[off:]))
		if recLen < headerSize-lenSize {
			return fmt.Errorf("%w: record length %d at offset %d", ErrMalformedRecord, recLen, off)
		}
		if len(raw)-off-lenSize < recLen {
			r.logger.Debugf("Log truncated inside a record at offset %d, keeping %d events", off, len(events))
			break
		}
		rec := raw[off+lenSize : off+lenSize+recLen]
		events = append(events, Event{
			Kind:     EventKind(binary.LittleEndian.Uint16(rec[0:2])),
			MonoTime: binary.LittleEndian.Uint64(rec[2:10]),
			Data:     rec[10:],
		})
		off += lenSize + recLen
	}

	// Append-only logs are already ordered; enforce it rather than assume.
	if !IsSorted(events) {
		r.logger.Warnf("Log events out of order, applying stable sort (%d events)", len(events))
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].MonoTime < events[j].MonoTime
		})
	}

	r.Events = events
	return nil
}

// decompress unwraps a zstd or bzip2 envelope, passing uncompressed data
// through. A stream cut mid-compression still yields the salvageable prefix.
func (r *Reader) decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer dec.Close()
		return r.salvageRead(dec.IOReadCloser(), "zstd")
	case bytes.HasPrefix(data, bzip2Magic):
		return r.salvageRead(io.NopCloser(bzip2.NewReader(bytes.NewReader(data))), "bzip2")
	default:
		return data, nil
	}
}

// salvageRead drains rc, keeping the bytes read so far when the stream
// breaks partway through. An error with nothing decoded is still fatal.
func (r *Reader) salvageRead(rc io.ReadCloser, codec string) ([]byte, error) {
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		if len(out) == 0 {
			return nil, fmt.Errorf("failed to decompress %s log: %w", codec, err)
		}
		r.logger.Debugf("Truncated %s stream, salvaged %d decompressed bytes: %v", codec, len(out), err)
	}
	return out, nil
}
