// Package audio reads and writes PCM WAV files as float waveforms.
package audio

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Signal is a mono waveform in [-1, 1].
type Signal struct {
	Samples    []float64
	SampleRate int
}

// Seconds returns the signal duration.
func (s Signal) Seconds() float64 {
	if s.SampleRate == 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}

// Read decodes a PCM WAV file, averaging channels down to mono.
func Read(path string) (Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return Signal{}, err
	}
	defer func() { _ = f.Close() }()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Signal{}, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Signal{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 {
		return Signal{}, fmt.Errorf("%s: missing format", path)
	}
	bitDepth := int(d.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int(1) << (bitDepth - 1))
	ch := buf.Format.NumChannels
	n := len(buf.Data) / ch
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(buf.Data[i*ch+c])
		}
		out[i] = sum / float64(ch) / scale
	}
	return Signal{Samples: out, SampleRate: buf.Format.SampleRate}, nil
}

// Duration returns the length in seconds from the size of the PCM chunk,
// without decoding samples.
func Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, fmt.Errorf("%s: not a valid wav file", path)
	}
	if err := d.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("duration %s: %w", path, err)
	}
	bytesPerSec := int(d.SampleRate) * int(d.NumChans) * int(d.BitDepth) / 8
	if bytesPerSec <= 0 {
		return 0, fmt.Errorf("duration %s: bad format (rate %d, channels %d, depth %d)", path, d.SampleRate, d.NumChans, d.BitDepth)
	}
	return float64(d.PCMSize) / float64(bytesPerSec), nil
}

// Write stores s as 16-bit mono PCM.
func Write(path string, s Signal) error {
	if s.SampleRate <= 0 {
		return errors.New("write wav: sample rate must be positive")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(f, s.SampleRate, 16, 1, 1)
	data := make([]int, len(s.Samples))
	for i, v := range s.Samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = int(v * 32767)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: s.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
