package logs

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zstd"
)

// AppendEvent appends one framed record to buf and returns the result.
func AppendEvent(buf []byte, ev Event) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(headerSize-lenSize+len(ev.Data)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(ev.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, ev.MonoTime)
	return append(buf, ev.Data...)
}

// EncodeEvents frames events into a raw (uncompressed) log byte stream.
func EncodeEvents(events []Event) []byte {
	var buf []byte
	for _, ev := range events {
		buf = AppendEvent(buf, ev)
	}
	return buf
}

// EncodeEventsZstd frames events and wraps them in a zstd envelope, the
// compression recorded routes use.
func EncodeEventsZstd(events []Event) ([]byte, error) {
	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(EncodeEvents(events)); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// CameraFramePayload builds the payload of a camera-frame event: the
// little-endian segment frame index followed by any extra payload bytes.
func CameraFramePayload(frameIndex uint32, extra []byte) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, frameIndex)
	return append(buf, extra...)
}
