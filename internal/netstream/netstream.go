package netstream

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	astiav "github.com/asticode/go-astiav"
)

var (
	// ErrTransient is returned for "try again" and live-edge EOF reads
	ErrTransient = errors.New("netstream: try again")
	// ErrNoVideoStream is returned when the input has no video elementary stream
	ErrNoVideoStream = errors.New("netstream: no video stream found")
)

// Frame is a minimal frame struct for internal use (avoids import cycle)
// Data is tightly packed RGB24.
type Frame struct {
	Width  int
	Height int
	Data   []byte
}

// Options contains demuxer settings for opening a network stream
type Options struct {
	URL string
	// Transport forces the RTSP lower transport ("tcp" avoids UDP loss)
	Transport string
	// SocketTimeout bounds how long a stalled read may block
	SocketTimeout time.Duration
	// AnalyzeDuration bounds stream probing time
	AnalyzeDuration time.Duration
	// ProbeSize bounds the bytes read while probing
	ProbeSize int
}

// DefaultOptions returns the low-latency reliable-transport settings
func DefaultOptions(url string) Options {
	return Options{
		URL:             url,
		Transport:       "tcp",
		SocketTimeout:   5 * time.Second,
		AnalyzeDuration: time.Second,
		ProbeSize:       1000000,
	}
}

// Dictionary returns the demuxer options as key/value pairs
func (o Options) Dictionary() map[string]string {
	d := make(map[string]string, 5)
	if o.Transport != "" {
		d["rtsp_transport"] = o.Transport
	}
	if o.SocketTimeout > 0 {
		us := strconv.FormatInt(o.SocketTimeout.Microseconds(), 10)
		// FFmpeg 5 renamed the RTSP socket timeout from stimeout to timeout
		d["timeout"] = us
		d["stimeout"] = us
	}
	if o.AnalyzeDuration > 0 {
		d["analyzeduration"] = strconv.FormatInt(o.AnalyzeDuration.Microseconds(), 10)
	}
	if o.ProbeSize > 0 {
		d["probesize"] = strconv.Itoa(o.ProbeSize)
	}
	return d
}

// Stream is an open demuxer/decoder pipeline over a network input.
// Stream is not safe for concurrent use.
type Stream struct {
	url      string
	fc       *astiav.FormatContext
	cc       *astiav.CodecContext
	videoIdx int
	pkt      *astiav.Packet
	decoded  *astiav.Frame

	scaler rgbScaler
}

// Open connects to the URL, locates the first video stream and opens its decoder
func Open(opts Options) (*Stream, error) {
	if opts.URL == "" {
		return nil, errors.New("netstream: URL is empty")
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("netstream: failed to allocate format context")
	}

	dict := astiav.NewDictionary()
	defer dict.Free()
	for k, v := range opts.Dictionary() {
		if err := dict.Set(k, v, 0); err != nil {
			slog.Debug("netstream: failed to set option", "key", k, "error", err)
		}
	}

	if err := fc.OpenInput(opts.URL, nil, dict); err != nil {
		fc.Free()
		return nil, fmt.Errorf("netstream: failed to open stream: %w", err)
	}

	s := &Stream{url: opts.URL, fc: fc, videoIdx: -1}
	if err := s.setup(); err != nil {
		s.Close()
		return nil, err
	}

	slog.Info("netstream: opened stream",
		"url", opts.URL,
		"video_stream", s.videoIdx,
		"codec", s.cc.Codec().Name(),
	)
	return s, nil
}

func (s *Stream) setup() error {
	if err := s.fc.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("netstream: failed to find stream info: %w", err)
	}

	var video *astiav.Stream
	for _, st := range s.fc.Streams() {
		if st.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			video = st
			break
		}
	}
	if video == nil {
		return ErrNoVideoStream
	}
	s.videoIdx = video.Index()

	par := video.CodecParameters()
	dec := astiav.FindDecoder(par.CodecID())
	if dec == nil {
		return errors.New("netstream: failed to find decoder")
	}

	s.cc = astiav.AllocCodecContext(dec)
	if s.cc == nil {
		return errors.New("netstream: failed to allocate codec context")
	}
	if err := par.ToCodecContext(s.cc); err != nil {
		return fmt.Errorf("netstream: failed to copy codec parameters: %w", err)
	}
	if err := s.cc.Open(dec, nil); err != nil {
		return fmt.Errorf("netstream: failed to open codec: %w", err)
	}

	s.pkt = astiav.AllocPacket()
	s.decoded = astiav.AllocFrame()
	if s.pkt == nil || s.decoded == nil {
		return errors.New("netstream: failed to allocate frames")
	}
	return nil
}

// Read returns the next decoded video frame as packed RGB24
//
// Packets of other streams are skipped. Returns ErrTransient when the
// demuxer or decoder asks to try again, or at the live edge (EOF).
// Any other error means the connection is unusable.
func (s *Stream) Read() (Frame, error) {
	for {
		if err := s.fc.ReadFrame(s.pkt); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return Frame{}, ErrTransient
			}
			return Frame{}, fmt.Errorf("netstream: read frame: %w", err)
		}

		if s.pkt.StreamIndex() != s.videoIdx {
			s.pkt.Unref()
			continue
		}

		err := s.cc.SendPacket(s.pkt)
		s.pkt.Unref()
		if err != nil && !errors.Is(err, astiav.ErrEagain) {
			return Frame{}, fmt.Errorf("netstream: decode: %w", err)
		}

		if err := s.cc.ReceiveFrame(s.decoded); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				continue
			}
			return Frame{}, fmt.Errorf("netstream: decode: %w", err)
		}

		frame, err := s.scaler.toRGB(s.decoded)
		s.decoded.Unref()
		if err != nil {
			return Frame{}, err
		}
		return frame, nil
	}
}

// Close releases the decoder, the scaler and the input
func (s *Stream) Close() error {
	s.scaler.close()
	if s.decoded != nil {
		s.decoded.Free()
		s.decoded = nil
	}
	if s.pkt != nil {
		s.pkt.Free()
		s.pkt = nil
	}
	if s.cc != nil {
		s.cc.Free()
		s.cc = nil
	}
	if s.fc != nil {
		s.fc.CloseInput()
		s.fc.Free()
		s.fc = nil
	}
	return nil
}

// rgbScaler converts decoded frames of any pixel format to packed RGB24,
// rebuilding its context only when the source geometry or format changes
type rgbScaler struct {
	ssc    *astiav.SoftwareScaleContext
	dst    *astiav.Frame
	srcW   int
	srcH   int
	srcPix astiav.PixelFormat
}

func (r *rgbScaler) close() {
	if r.dst != nil {
		r.dst.Free()
		r.dst = nil
	}
	if r.ssc != nil {
		r.ssc.Free()
		r.ssc = nil
	}
}

func (r *rgbScaler) ensure(src *astiav.Frame) error {
	w, h, pix := src.Width(), src.Height(), src.PixelFormat()
	if r.ssc != nil && w == r.srcW && h == r.srcH && pix == r.srcPix {
		return nil
	}
	r.close()

	ssc, err := astiav.CreateSoftwareScaleContext(
		w, h, pix,
		w, h, astiav.PixelFormatRgb24,
		astiav.NewSoftwareScaleContextFlags(),
	)
	if err != nil {
		return fmt.Errorf("netstream: failed to create scaler context: %w", err)
	}

	dst := astiav.AllocFrame()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(astiav.PixelFormatRgb24)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("netstream: failed to allocate RGB buffer: %w", err)
	}

	r.ssc, r.dst = ssc, dst
	r.srcW, r.srcH, r.srcPix = w, h, pix
	slog.Debug("netstream: scaler ready", "width", w, "height", h, "src_format", pix.String())
	return nil
}

func (r *rgbScaler) toRGB(src *astiav.Frame) (Frame, error) {
	if err := r.ensure(src); err != nil {
		return Frame{}, err
	}
	if err := r.ssc.ScaleFrame(src, r.dst); err != nil {
		return Frame{}, fmt.Errorf("netstream: scale frame: %w", err)
	}

	n, err := r.dst.ImageBufferSize(1)
	if err != nil {
		return Frame{}, fmt.Errorf("netstream: image buffer size: %w", err)
	}
	out := make([]byte, n)
	if _, err := r.dst.ImageCopyToBuffer(out, 1); err != nil {
		return Frame{}, fmt.Errorf("netstream: copy image: %w", err)
	}
	return Frame{Width: r.srcW, Height: r.srcH, Data: out}, nil
}
