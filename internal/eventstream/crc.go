package eventstream

import "hash/crc32"

// checksum computes the CRC-32/IEEE checksum used by the AWS event-stream
// framing (prelude and full-message checksums both use it).
func checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
