package audio

import (
	"encoding/binary"
	"math"
)

// BytesToSamples decodes signed 16-bit little-endian PCM. A trailing odd byte
// is ignored.
func BytesToSamples(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// SamplesToBytes encodes samples as signed 16-bit little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Peak returns the maximum absolute sample amplitude. math.MinInt16 maps to
// math.MaxInt16 + 1 so the result never overflows.
func Peak(samples []int16) int {
	peak := 0
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// RMS returns the root-mean-square amplitude of samples in PCM units
// (0–32 768). It returns 0 for an empty slice.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EncodeWAV wraps mono 16-bit PCM samples in a canonical 44-byte RIFF/WAV
// header so the result can be uploaded directly to a transcription endpoint.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	const headerSize = 44
	byteRate := sampleRate * Channels * BytesPerSample
	blockAlign := Channels * BytesPerSample
	dataSize := len(samples) * BytesPerSample

	buf := make([]byte, headerSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(BitsPerSample))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[headerSize+i*2:], uint16(s))
	}
	return buf
}
