package audio

import "time"

// SegmentSize returns the byte count of one segment of the given duration for
// 16-bit PCM audio: channels * 2 bytes/sample * sampleRate * ms / 1000.
func SegmentSize(channels, sampleRate int, duration time.Duration) int {
	bytesPerSecond := channels * 2 * sampleRate
	return bytesPerSecond * int(duration.Milliseconds()) / 1000
}

// Segment slices data into consecutive chunks of at most size bytes. The whole
// buffer is segmented, container header included: the backend's parser
// tolerates header bytes at the front of the stream, so the first slice must
// not be special-cased. The final slice may be shorter.
func Segment(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	segments := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		segments = append(segments, data[start:end])
	}
	return segments
}
