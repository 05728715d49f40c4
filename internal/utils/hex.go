package utils

const hexDigits = "0123456789ABCDEF"

// Hex4 renders a 16-bit UUID or register address as four upper-case hex
// digits, e.g. "FFF0".
func Hex4(v uint16) string {
	return string([]byte{
		hexDigits[v>>12&0xF],
		hexDigits[v>>8&0xF],
		hexDigits[v>>4&0xF],
		hexDigits[v&0xF],
	})
}

// BytesToHex renders a notification payload for logs without separators.
func BytesToHex(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexDigits[x>>4], hexDigits[x&0x0F])
	}
	return string(out)
}
