// Package audio slices linear PCM buffers into fixed-duration segments for
// realtime-paced streaming, and inspects WAV headers to size those segments.
package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

// Info describes the format of a WAV buffer.
type Info struct {
	Channels   int
	SampleRate int
	BitDepth   int
}

// ReadInfo parses the header of a WAV buffer. The caller transcodes non-WAV
// input before it gets here; anything unparsable is an error, not a guess.
func ReadInfo(data []byte) (Info, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return Info{}, fmt.Errorf("read wav header: %w", err)
	}
	if d.NumChans == 0 || d.SampleRate == 0 {
		return Info{}, errors.New("read wav header: missing format chunk")
	}
	return Info{
		Channels:   int(d.NumChans),
		SampleRate: int(d.SampleRate),
		BitDepth:   int(d.BitDepth),
	}, nil
}
