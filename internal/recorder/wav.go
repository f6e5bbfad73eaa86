package recorder

import (
	"encoding/binary"
	"errors"
	"io"
)

// encodeWAV wraps raw s16le PCM in a minimal RIFF/WAVE container, the
// artifact format the scoring endpoint accepts.
func encodeWAV(w io.Writer, pcm []byte, sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return errors.New("invalid wav parameters")
	}

	const (
		pcmFormat     = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	header := make([]byte, 0, 44)
	le := binary.LittleEndian

	header = append(header, "RIFF"...)
	header = le.AppendUint32(header, uint32(36+len(pcm)))
	header = append(header, "WAVE"...)
	header = append(header, "fmt "...)
	header = le.AppendUint32(header, 16)
	header = le.AppendUint16(header, pcmFormat)
	header = le.AppendUint16(header, uint16(channels))
	header = le.AppendUint32(header, uint32(sampleRate))
	header = le.AppendUint32(header, uint32(byteRate))
	header = le.AppendUint16(header, uint16(blockAlign))
	header = le.AppendUint16(header, bitsPerSample)
	header = append(header, "data"...)
	header = le.AppendUint32(header, uint32(len(pcm)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
