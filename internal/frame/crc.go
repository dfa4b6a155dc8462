// internal/frame/crc.go
package frame

// Modbus CRC16: reflected polynomial 0xA001, initial value 0xFFFF.
var crcTable = func() (t [256]uint16) {
	for i := range t {
		c := uint16(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = c>>1 ^ 0xA001
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC16 returns the Modbus CRC of b. On the wire the low byte goes first.
func CRC16(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, v := range b {
		crc = crc>>8 ^ crcTable[byte(crc)^v]
	}
	return crc
}

// LRC returns the two's complement of the byte sum of b.
func LRC(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return -sum
}
