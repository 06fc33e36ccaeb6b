package clip

import (
	"encoding/binary"
	"io"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/pkg/errors"
)

// resampleQuality is passed to beep.Resample.
const resampleQuality = 4

// frames is an in-memory beep.Streamer.
type frames struct {
	buf [][2]float64
	pos int
}

func (f *frames) Stream(samples [][2]float64) (int, bool) {
	if f.pos >= len(f.buf) {
		return 0, false
	}
	n := copy(samples, f.buf[f.pos:])
	f.pos += n
	return n, true
}

func (f *frames) Err() error { return nil }

// decode reads a whole clip at the given rate. The format is chosen by file
// extension.
func decode(r io.Reader, name string, rate int) ([][2]float64, error) {
	var (
		s   beep.Streamer
		src beep.SampleRate
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		st, format, err := wav.Decode(r)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding wav %s", name)
		}
		defer st.Close()
		s, src = st, format.SampleRate
	case ".mp3":
		buf, mp3Rate, err := decodeMP3(r)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding mp3 %s", name)
		}
		s, src = &frames{buf: buf}, beep.SampleRate(mp3Rate)
	default:
		return nil, errors.Errorf("unsupported clip format %q", filepath.Ext(name))
	}
	if int(src) != rate {
		s = beep.Resample(resampleQuality, src, beep.SampleRate(rate), s)
	}
	return drain(s)
}

func drain(s beep.Streamer) ([][2]float64, error) {
	var out [][2]float64
	chunk := make([][2]float64, 4096)
	for {
		n, ok := s.Stream(chunk)
		out = append(out, chunk[:n]...)
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "streaming clip")
	}
	return out, nil
}

// decodeMP3 returns stereo frames and the stream's sample rate. go-mp3
// always produces 16-bit little endian stereo.
func decodeMP3(r io.Reader) ([][2]float64, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, err
	}
	out := make([][2]float64, len(raw)/4)
	for i := range out {
		left := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		right := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		out[i] = [2]float64{float64(left) / 32768, float64(right) / 32768}
	}
	return out, dec.SampleRate(), nil
}
