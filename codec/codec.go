// Package codec converts audio between the telephony transport's encoding
// (G.711 mu-law, 8 kHz mono) and the linear PCM the voice service expects.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/archerline/bridge/shared"
)

type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "g711_ulaw"
)

// Format is the negotiated audio format of one side of a session.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%s@%dHz/%dch", f.Encoding, f.SampleRate, f.Channels)
}

// BytesPerSample returns the wire size of one sample.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingMulaw {
		return 1
	}
	return 2
}

// FrameBytes returns the wire size of a frame of the given duration.
func (f Format) FrameBytes(d time.Duration) int {
	return int(d.Seconds()*float64(f.SampleRate)) * f.Channels * f.BytesPerSample()
}

// Codec converts frames between two negotiated formats. It is stateless;
// the per-session buffering lives in Assembler.
type Codec struct {
	telephony Format
	ai        Format
}

// New validates that a conversion path exists between the two formats.
// Only mono streams and the mu-law/PCM16 encodings are bridgeable; anything
// else is a format mismatch, which is fatal for the session.
func New(telephony, ai Format) (*Codec, error) {
	for _, f := range []Format{telephony, ai} {
		if f.Channels != 1 {
			return nil, fmt.Errorf("%w: %s: only mono streams are supported", shared.ErrFormatMismatch, f)
		}
		if f.SampleRate <= 0 {
			return nil, fmt.Errorf("%w: %s: invalid sample rate", shared.ErrFormatMismatch, f)
		}
		switch f.Encoding {
		case EncodingPCM16, EncodingMulaw:
		default:
			return nil, fmt.Errorf("%w: unsupported encoding %q", shared.ErrFormatMismatch, f.Encoding)
		}
	}
	return &Codec{telephony: telephony, ai: ai}, nil
}

func (c *Codec) Telephony() Format { return c.telephony }
func (c *Codec) AI() Format       { return c.ai }

// ToAI converts one telephony frame to the AI-side format.
func (c *Codec) ToAI(frame []byte) ([]byte, error) {
	return convert(frame, c.telephony, c.ai)
}

// ToTelephony converts one AI frame to the telephony-side format.
func (c *Codec) ToTelephony(frame []byte) ([]byte, error) {
	return convert(frame, c.ai, c.telephony)
}

func convert(frame []byte, from, to Format) ([]byte, error) {
	pcm, err := Decode(frame, from)
	if err != nil {
		return nil, err
	}
	pcm = Resample(pcm, from.SampleRate, to.SampleRate)
	return EncodePCM(pcm, to)
}

// Decode turns an encoded frame into linear PCM samples.
func Decode(frame []byte, from Format) ([]int16, error) {
	switch from.Encoding {
	case EncodingMulaw:
		pcm := make([]int16, len(frame))
		for i, b := range frame {
			pcm[i] = MulawToLinear(b)
		}
		return pcm, nil
	case EncodingPCM16:
		if len(frame)%2 != 0 {
			return nil, fmt.Errorf("%w: odd pcm16 frame length %d", shared.ErrShortFrame, len(frame))
		}
		pcm := make([]int16, len(frame)/2)
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
		}
		return pcm, nil
	default:
		return nil, fmt.Errorf("%w: cannot decode %q", shared.ErrFormatMismatch, from.Encoding)
	}
}

// EncodePCM turns linear PCM samples into an encoded frame.
func EncodePCM(pcm []int16, to Format) ([]byte, error) {
	switch to.Encoding {
	case EncodingMulaw:
		out := make([]byte, len(pcm))
		for i, s := range pcm {
			out[i] = LinearToMulaw(s)
		}
		return out, nil
	case EncodingPCM16:
		out := make([]byte, len(pcm)*2)
		for i, s := range pcm {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: cannot encode %q", shared.ErrFormatMismatch, to.Encoding)
	}
}

// Resample converts pcm from one rate to another by linear interpolation.
// Telephone-band speech does not warrant a polyphase filter here.
func Resample(pcm []int16, from, to int) []int16 {
	if from == to || len(pcm) == 0 {
		return pcm
	}
	n := int(int64(len(pcm)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac)
	}
	return out
}

// MulawToLinear expands one G.711 mu-law byte to a 16-bit sample.
func MulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + 0x84
	value <<= uint(exp)
	value -= 0x84
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToMulaw compands one 16-bit sample to a G.711 mu-law byte.
func LinearToMulaw(s int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)
	sign := byte(0)
	v := int(s)
	if v < 0 {
		if v == math.MinInt16 {
			v = math.MaxInt16
		} else {
			v = -v
		}
		sign = 0x80
	}
	if v > clip {
		v = clip
	}
	v += bias
	exp := byte(7)
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (exp + 3)) & 0x0F)
	return ^(sign | (exp << 4) | mant)
}
