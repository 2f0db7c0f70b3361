package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// wavHeaderSize is the length of a canonical RIFF/WAVE header with a 16-byte
// fmt chunk, which is what EncodeWAV emits.
const wavHeaderSize = 44

// EncodeWAV wraps mono int16 PCM in a RIFF/WAVE container and writes it to w.
// The header uses the canonical 44-byte layout (PCM format tag, 16 bits per
// sample, one channel).
func EncodeWAV(w io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("audio: encode wav: invalid sample rate %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		return errors.New("audio: encode wav: odd byte count in PCM data")
	}

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM format tag
	binary.LittleEndian.PutUint16(header[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(header[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(header[34:36], 16)                   // bits per sample

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("audio: encode wav: write header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: encode wav: write data: %w", err)
	}
	return nil
}

// SaveWAV writes mono int16 PCM to path as a WAV file. The file is created
// with 0644 permissions and truncated if it already exists.
func SaveWAV(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: save wav: %w", err)
	}
	if err := EncodeWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("audio: save wav: close: %w", err)
	}
	return nil
}

// ExtractWAVData locates the PCM payload inside a RIFF/WAVE container and
// returns it along with the sample rate and channel count from the fmt
// chunk. Walking the chunk list is more robust than assuming a fixed
// 44-byte offset because encoders may insert extra chunks before data.
func ExtractWAVData(wav []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(wav) < 12 {
		return nil, 0, 0, errors.New("audio: wav too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return nil, 0, 0, errors.New("audio: missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("audio: missing WAVE identifier")
	}

	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return nil, 0, 0, errors.New("audio: data chunk before fmt chunk")
			}
			end := offset + 8 + chunkSize
			if end > len(wav) {
				end = len(wav)
			}
			return wav[offset+8 : end], sampleRate, channels, nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return nil, 0, 0, errors.New("audio: missing data chunk")
}
