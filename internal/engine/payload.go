package engine

import "encoding/binary"

// tcpPayloadTemplate and udpPayloadTemplate are the fixed DNS-A query for
// "example.com", framed per spec.md §6. The query ID bytes are rewritten
// per send; the rest of the buffer never changes, so a single template is
// copied per query.
var tcpPayloadTemplate = [31]byte{
	0x00, 0x1d, // length prefix (29)
	0xff, 0xff, // query id (overwritten)
	0x01, 0x00, 0x00, 0x01, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x07, 0x65, 0x78, 0x61,
	0x6d, 0x70, 0x6c, 0x65, 0x03, 0x63, 0x6f, 0x6d,
	0x00, 0x00, 0x01, 0x00, 0x01,
}

var udpPayloadTemplate = [29]byte{
	0xff, 0xff, // query id (overwritten)
	0x01, 0x00, 0x00, 0x01, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x07, 0x65, 0x78, 0x61,
	0x6d, 0x70, 0x6c, 0x65, 0x03, 0x63, 0x6f, 0x6d,
	0x00, 0x00, 0x01, 0x00, 0x01,
}

// tcpQueryIDOffset / udpQueryIDOffset are the byte offsets of the 2-byte
// big-endian query ID within each wire payload (spec.md §6).
const (
	tcpQueryIDOffset = 2
	udpQueryIDOffset = 0
)

// buildTCPPayload writes a fresh 31-byte TCP/TLS query buffer with the
// given query ID stamped in network byte order.
func buildTCPPayload(buf []byte, id uint16) []byte {
	if cap(buf) < len(tcpPayloadTemplate) {
		buf = make([]byte, len(tcpPayloadTemplate))
	}
	buf = buf[:len(tcpPayloadTemplate)]
	copy(buf, tcpPayloadTemplate[:])
	binary.BigEndian.PutUint16(buf[tcpQueryIDOffset:], id)
	return buf
}

// buildUDPPayload writes a fresh 29-byte UDP datagram with the given
// query ID stamped in network byte order.
func buildUDPPayload(buf []byte, id uint16) []byte {
	if cap(buf) < len(udpPayloadTemplate) {
		buf = make([]byte, len(udpPayloadTemplate))
	}
	buf = buf[:len(udpPayloadTemplate)]
	copy(buf, udpPayloadTemplate[:])
	binary.BigEndian.PutUint16(buf[udpQueryIDOffset:], id)
	return buf
}
