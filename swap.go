package bmv

import "encoding/binary"

// swapBytes reverses the byte order of a 1, 2 or 4 byte value. The device
// transmits multi-byte numerics little-endian; the driver keeps its
// internal representation big-endian, so the same function is used on
// both ingress and egress. Swap is involutive: swapBytes(swapBytes(p)) == p.
func swapBytes(p []byte) ([]byte, error) {
	switch len(p) {
	case 0, 1:
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	case 2:
		return []byte{p[1], p[0]}, nil
	case 4:
		return []byte{p[3], p[2], p[1], p[0]}, nil
	default:
		return nil, ErrInvalidWidth
	}
}

// swapUint16Hex swaps the byte order of a 2-byte value given and returned
// as a 4-character hex string.
func swapUint16Hex(v uint16) (string, error) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	swapped, err := swapBytes(buf)
	if err != nil {
		return "", err
	}
	return bytesToHex(swapped), nil
}

// bytesToHex renders bytes as uppercase hex, two characters per byte.
func bytesToHex(p []byte) string {
	out := make([]byte, 0, 2*len(p))
	for _, b := range p {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(out)
}

// hexToBytes parses an even-length uppercase-or-lowercase hex string into
// bytes.
func hexToBytes(hex string) ([]byte, error) {
	if len(hex)%2 != 0 {
		return nil, ErrMalformedMessage
	}
	out := make([]byte, len(hex)/2)
	for i := range out {
		hi, err := hexNibble(hex[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(hex[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}
