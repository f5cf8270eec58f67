package filesink

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// trackInfo holds bitrate and duration extracted from an MP3 file header.
type trackInfo struct {
	Bitrate    int   // bits per second
	DurationMs int64 // estimated from file size and bitrate
}

// MPEG-1 Layer III bitrate table (kbps) and sample rates (Hz).
var (
	mp3Bitrates    = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	mp3SampleRates = [4]int{44100, 48000, 32000, 0}
)

// probeMP3 scans the start of an MP3 file for the first valid MPEG-1
// Layer III frame header and estimates duration from file size.
func probeMP3(path string) (*trackInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()

	// Skip an ID3v2 tag if present; its length is a synchsafe integer.
	var hdr [10]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	offset := int64(0)
	if string(hdr[:3]) == "ID3" {
		tagSize := int64(hdr[6])<<21 | int64(hdr[7])<<14 | int64(hdr[8])<<7 | int64(hdr[9])
		offset = 10 + tagSize
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	buf := make([]byte, 8192)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	buf = buf[:n]

	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] != 0xFF || buf[i+1]&0xE0 != 0xE0 {
			continue
		}
		h := binary.BigEndian.Uint32(buf[i : i+4])

		version := (h >> 19) & 0x03
		layer := (h >> 17) & 0x03
		bitrateIdx := (h >> 12) & 0x0F
		sampleIdx := (h >> 10) & 0x03

		// MPEG-1 Layer III only; anything else keeps scanning.
		if version != 3 || layer != 1 {
			continue
		}
		bitrate := mp3Bitrates[bitrateIdx] * 1000
		sampleRate := mp3SampleRates[sampleIdx]
		if bitrate == 0 || sampleRate == 0 {
			continue
		}

		audioBytes := size - offset
		durationMs := audioBytes * 8 * 1000 / int64(bitrate)
		return &trackInfo{Bitrate: bitrate, DurationMs: durationMs}, nil
	}

	return nil, fmt.Errorf("no valid MPEG frame found in %s", path)
}
