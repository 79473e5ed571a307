// Package frame decodes recorded camera containers (raw HEVC streams and
// the low-res MPEG-TS variant) into randomly addressable YUV frames via
// FFmpeg. The whole container is demuxed at open time so the frame count is
// known up front; decoding happens lazily per Get, replaying from the
// nearest preceding keyframe when needed.
package frame

import (
	"errors"
	"fmt"
	"sync"

	astiav "github.com/asticode/go-astiav"

	"routereplay/internal/logger"
)

// ErrOutOfRange is returned by Get for an index outside [0, FrameCount).
var ErrOutOfRange = errors.New("frame: index out of range")

// Reader exposes O(bounded) random access to the decoded frames of one
// segment's camera stream. Safe for use by one goroutine at a time per
// method call; an internal mutex serializes decoder state.
type Reader struct {
	logger logger.Logger
	path   string

	fc        *astiav.FormatContext
	codec     *astiav.Codec
	codecPar  *astiav.CodecParameters
	streamIdx int

	// packets holds every video packet in decode order. Recorded camera
	// streams have no B-frames, so decode order equals display order.
	packets   []*astiav.Packet
	keyframes []int

	width, height int

	mu     sync.Mutex
	cc     *astiav.CodecContext
	frame  *astiav.Frame
	cursor int // next packet to feed the decoder
	out    int // display index of the next frame the decoder will emit
}

// New opens the container at path and builds the packet index without
// decoding any frames.
func New(log logger.Logger, path string) (*Reader, error) {
	if log == nil {
		log = logger.Nop{}
	}
	r := &Reader{logger: log, path: path, streamIdx: -1}
	if err := r.open(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) open() error {
	r.fc = astiav.AllocFormatContext()
	if r.fc == nil {
		return errors.New("frame: failed to allocate format context")
	}
	if err := r.fc.OpenInput(r.path, nil, nil); err != nil {
		return fmt.Errorf("failed to open %s: %w", r.path, err)
	}
	if err := r.fc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("failed to probe streams of %s: %w", r.path, err)
	}

	for _, s := range r.fc.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			r.streamIdx = s.Index()
			r.codecPar = s.CodecParameters()
			break
		}
	}
	if r.streamIdx < 0 {
		return fmt.Errorf("no video stream in %s", r.path)
	}

	r.codec = astiav.FindDecoder(r.codecPar.CodecID())
	if r.codec == nil {
		return fmt.Errorf("no decoder for codec %s in %s", r.codecPar.CodecID(), r.path)
	}
	r.width = r.codecPar.Width()
	r.height = r.codecPar.Height()

	// Demux everything up front. The last frames of a crash-cut recording
	// simply do not appear in the index; that is a smaller dataset, not an
	// error.
	pkt := astiav.AllocPacket()
	defer pkt.Free()
	for {
		if err := r.fc.ReadFrame(pkt); err != nil {
			break
		}
		if pkt.StreamIndex() != r.streamIdx {
			pkt.Unref()
			continue
		}
		clone := astiav.AllocPacket()
		if err := clone.Ref(pkt); err != nil {
			clone.Free()
			pkt.Unref()
			return fmt.Errorf("failed to clone packet %d of %s: %w", len(r.packets), r.path, err)
		}
		if pkt.Flags().Has(astiav.PacketFlagKey) {
			r.keyframes = append(r.keyframes, len(r.packets))
		}
		r.packets = append(r.packets, clone)
		pkt.Unref()
	}

	if len(r.packets) == 0 {
		return fmt.Errorf("no video frames in %s", r.path)
	}
	r.logger.Debugf("Opened %s: %d frames, %d keyframes, %dx%d",
		r.path, len(r.packets), len(r.keyframes), r.width, r.height)
	return nil
}

// FrameCount returns the fixed number of frames in the stream.
func (r *Reader) FrameCount() int { return len(r.packets) }

// Width returns the luma plane width in pixels.
func (r *Reader) Width() int { return r.width }

// Height returns the luma plane height in pixels.
func (r *Reader) Height() int { return r.height }

// YUVSize returns the byte size of one decoded planar 4:2:0 frame, the
// minimum buffer length accepted by Get.
func (r *Reader) YUVSize() int { return r.width * r.height * 3 / 2 }

// Get decodes frame idx into buf, which must hold at least YUVSize bytes.
// The copy hands the caller an exclusively owned buffer; decoder-internal
// frames never escape. Out-of-range requests fail without side effects.
func (r *Reader) Get(idx int, buf []byte) error {
	if idx < 0 || idx >= len(r.packets) {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, idx, len(r.packets))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Sequential reads continue from the live decoder state. Backward jumps
	// and forward jumps that cross a keyframe restart there instead of
	// decoding every frame in between.
	if r.cc == nil || idx < r.out || r.nearestKeyframe(idx) > r.out {
		if err := r.resetDecoder(r.nearestKeyframe(idx)); err != nil {
			return err
		}
	}

	for r.out <= idx {
		if r.cursor < len(r.packets) {
			if err := r.cc.SendPacket(r.packets[r.cursor]); err != nil && !errors.Is(err, astiav.ErrEagain) {
				return fmt.Errorf("failed to send packet %d of %s: %w", r.cursor, r.path, err)
			}
			r.cursor++
		} else {
			// Drain buffered frames at end of stream.
			if err := r.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) && !errors.Is(err, astiav.ErrEagain) {
				return fmt.Errorf("failed to flush decoder of %s: %w", r.path, err)
			}
		}

		for r.out <= idx {
			err := r.cc.ReceiveFrame(r.frame)
			if errors.Is(err, astiav.ErrEagain) {
				break
			}
			if errors.Is(err, astiav.ErrEof) {
				return fmt.Errorf("decoder of %s exhausted before frame %d", r.path, idx)
			}
			if err != nil {
				return fmt.Errorf("failed to decode frame %d of %s: %w", r.out, r.path, err)
			}
			r.out++
			if r.out-1 == idx {
				err := r.copyFrame(buf)
				r.frame.Unref()
				return err
			}
			r.frame.Unref()
		}
	}
	return fmt.Errorf("frame %d of %s not produced", idx, r.path)
}

// copyFrame copies the current decoded frame into buf as tightly packed
// planes.
func (r *Reader) copyFrame(buf []byte) error {
	n, err := r.frame.ImageBufferSize(1)
	if err != nil {
		return fmt.Errorf("failed to size frame buffer for %s: %w", r.path, err)
	}
	if len(buf) < n {
		return fmt.Errorf("frame buffer too small for %s: got %d bytes, need %d", r.path, len(buf), n)
	}
	if _, err := r.frame.ImageCopyToBuffer(buf[:n], 1); err != nil {
		return fmt.Errorf("failed to copy frame data of %s: %w", r.path, err)
	}
	return nil
}

// nearestKeyframe returns the index of the closest keyframe at or before
// idx, falling back to 0 for streams with no flagged keyframes.
func (r *Reader) nearestKeyframe(idx int) int {
	best := 0
	for _, k := range r.keyframes {
		if k > idx {
			break
		}
		best = k
	}
	return best
}

// resetDecoder tears down and reopens the codec context, positioning the
// packet cursor at start. Reopening is how random access discards buffered
// reference frames without relying on decoder flush semantics.
func (r *Reader) resetDecoder(start int) error {
	r.closeDecoder()

	cc := astiav.AllocCodecContext(r.codec)
	if cc == nil {
		return fmt.Errorf("frame: failed to allocate codec context for %s", r.path)
	}
	if err := r.codecPar.ToCodecContext(cc); err != nil {
		cc.Free()
		return fmt.Errorf("failed to configure decoder for %s: %w", r.path, err)
	}
	if err := cc.Open(r.codec, nil); err != nil {
		cc.Free()
		return fmt.Errorf("failed to open decoder for %s: %w", r.path, err)
	}

	r.cc = cc
	r.frame = astiav.AllocFrame()
	r.cursor = start
	r.out = start
	return nil
}

func (r *Reader) closeDecoder() {
	if r.frame != nil {
		r.frame.Free()
		r.frame = nil
	}
	if r.cc != nil {
		r.cc.Free()
		r.cc = nil
	}
}

// Close releases all FFmpeg state. The reader must not be used afterwards.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeDecoder()
	for _, p := range r.packets {
		p.Free()
	}
	r.packets = nil
	if r.fc != nil {
		r.fc.CloseInput()
		r.fc.Free()
		r.fc = nil
	}
}
