package audio

import "encoding/binary"

// DecodeS16LE converts little-endian signed 16-bit samples to float32.
// It returns the number of samples written to dst.
func DecodeS16LE(dst []float32, src []byte) int {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(src[i*2:]))) / 32768
	}
	return n
}

// intToFloat scales an integer sample of the given bit depth to [-1, 1).
func intToFloat(v int, bitDepth int) float32 {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	return float32(float64(v) / float64(int64(1)<<(bitDepth-1)))
}
