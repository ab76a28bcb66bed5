package transcode

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAVInfo describes the PCM stream of a WAV file.
type WAVInfo struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataBytes     int64
}

// Seconds returns the playback length of the data chunk.
func (w WAVInfo) Seconds() float64 {
	frame := w.Channels * w.BitsPerSample / 8
	if frame <= 0 || w.SampleRate <= 0 {
		return 0
	}
	return float64(w.DataBytes/int64(frame)) / float64(w.SampleRate)
}

// ProbeWAV reads the RIFF header of a WAV file up to its data chunk.
func ProbeWAV(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return readWAVHeader(f)
}

func readWAVHeader(r io.ReadSeeker) (WAVInfo, error) {
	riff := make([]byte, 12)
	if _, err := io.ReadFull(r, riff); err != nil {
		return WAVInfo{}, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVInfo{}, fmt.Errorf("not a valid WAV file")
	}

	var info WAVInfo
	var foundFmt bool
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if foundFmt {
				return WAVInfo{}, fmt.Errorf("data chunk not found")
			}
			return WAVInfo{}, fmt.Errorf("fmt chunk not found")
		}
		id := string(header[0:4])
		size := int64(binary.LittleEndian.Uint32(header[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAVInfo{}, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return WAVInfo{}, fmt.Errorf("fmt chunk too short: %d bytes", len(body))
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return WAVInfo{}, fmt.Errorf("fmt chunk not found")
			}
			info.DataBytes = size
			return info, nil
		default:
			// skip LIST, INFO and other metadata
			if _, err := r.Seek(size, io.SeekCurrent); err != nil {
				return WAVInfo{}, fmt.Errorf("failed to skip chunk %s: %w", id, err)
			}
		}

		// chunks are word aligned
		if size%2 != 0 {
			if _, err := r.Seek(1, io.SeekCurrent); err != nil {
				return WAVInfo{}, err
			}
		}
	}
}
