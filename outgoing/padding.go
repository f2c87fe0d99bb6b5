package outgoing

// blockSize is the padding block size: the encrypted buffer is always a
// multiple of 160 bytes.
const blockSize = 160

// Pad pads buf to a multiple of blockSize, placing a single 0x80 terminator
// at offset len(buf) and zero bytes after it.
func Pad(buf []byte) []byte {
	paddedLen := ((len(buf) + 1 + blockSize - 1) / blockSize) * blockSize
	out := make([]byte, paddedLen)
	copy(out, buf)
	out[len(buf)] = 0x80
	return out
}

// Unpad reverses Pad by scanning back from the last byte for the 0x80
// terminator. Any non-zero byte encountered before it is a padding
// violation.
func Unpad(buf []byte) ([]byte, bool) {
	for i := len(buf) - 1; i >= 0; i-- {
		switch buf[i] {
		case 0x80:
			return buf[:i], true
		case 0x00:
			continue
		default:
			return nil, false
		}
	}
	return nil, false
}
