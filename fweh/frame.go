package fweh

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/seqs/eth"
)

// Event frames arrive as Broadcom-OUI-tagged link-layer frames:
// a 14-byte Ethernet II header with EtherType 0x886c, a 10-byte vendor
// header, then the big-endian event message and its variable payload.
const (
	etherTypeLinkCtl = 0x886c // Broadcom event firmware traffic.
	etherTypeEapol   = 0x888e

	vendorHeaderLen  = 10
	messageLen       = 48
	minFrameLen      = 14 + vendorHeaderLen + messageLen
	subtypeVendor    = 32769 // BCMILCP long vendor subtype.
	userSubtypeEvent = 1
	messageVersion   = 2
)

// ouiBroadcom tags the vendor header of every event frame.
var ouiBroadcom = [3]byte{0x00, 0x10, 0x18}

var (
	errFrameShort      = errors.New("fweh: frame shorter than event header")
	errFrameEtherType  = errors.New("fweh: not an event frame ethertype")
	errFrameMagic      = errors.New("fweh: bad event frame subtype/OUI")
	errFrameVersion    = errors.New("fweh: unsupported event message version")
	errEventRange      = errors.New("fweh: event code outside valid range")
	errPayloadLength   = errors.New("fweh: payload shorter than declared datalen")
	errFrameBufferSize = errors.New("fweh: destination buffer too small")
)

// Message is the endianness-normalized common event header.
type Message struct {
	Version   uint16
	Flags     uint16
	Event     Event
	Status    Status
	Reason    uint32
	AuthType  uint32
	DataLen   uint32
	Addr      [6]byte
	IfName    [16]byte
	IfIdx     uint8
	BSSCfgIdx uint8
}

const (
	// FlagLinkUp is set in Flags of an EventLink message while the link is up.
	FlagLinkUp = 1
)

// DecodeFrame validates and decodes a raw event frame. It returns the
// normalized header and a subslice of frame holding the event payload.
func DecodeFrame(frame []byte) (msg Message, payload []byte, err error) {
	if len(frame) < minFrameLen {
		return msg, nil, errFrameShort
	}
	ethdr := eth.DecodeEthernetHeader(frame)
	if ethdr.AssertType() != eth.EtherType(etherTypeLinkCtl) {
		return msg, nil, errFrameEtherType
	}
	vh := frame[14 : 14+vendorHeaderLen]
	if binary.BigEndian.Uint16(vh) != subtypeVendor ||
		vh[5] != ouiBroadcom[0] || vh[6] != ouiBroadcom[1] || vh[7] != ouiBroadcom[2] ||
		binary.BigEndian.Uint16(vh[8:]) != userSubtypeEvent {
		return msg, nil, errFrameMagic
	}
	b := frame[14+vendorHeaderLen:]
	msg = decodeMessage(b)
	if msg.Version != messageVersion {
		return msg, nil, errFrameVersion
	}
	if !msg.Event.IsValid() {
		return msg, nil, errEventRange
	}
	if int(msg.DataLen) > len(b)-messageLen {
		return msg, nil, errPayloadLength
	}
	return msg, b[messageLen : messageLen+int(msg.DataLen)], nil
}

func decodeMessage(b []byte) (m Message) {
	_ = b[messageLen-1]
	m.Version = binary.BigEndian.Uint16(b)
	m.Flags = binary.BigEndian.Uint16(b[2:])
	m.Event = Event(binary.BigEndian.Uint32(b[4:]))
	m.Status = Status(binary.BigEndian.Uint32(b[8:]))
	m.Reason = binary.BigEndian.Uint32(b[12:])
	m.AuthType = binary.BigEndian.Uint32(b[16:])
	m.DataLen = binary.BigEndian.Uint32(b[20:])
	copy(m.Addr[:], b[24:30])
	copy(m.IfName[:], b[30:46])
	m.IfIdx = b[46]
	m.BSSCfgIdx = b[47]
	return m
}

// PutFrame encodes msg and payload as a complete event frame into dst and
// returns the frame length. DataLen is derived from payload. Used by tests
// and by simulated transports to synthesize firmware traffic.
func (m *Message) PutFrame(dst []byte, payload []byte) (int, error) {
	total := minFrameLen + len(payload)
	if len(dst) < total {
		return 0, errFrameBufferSize
	}
	ethdr := eth.EthernetHeader{
		Destination:     [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Source:          m.Addr,
		SizeOrEtherType: etherTypeLinkCtl,
	}
	ethdr.Put(dst)
	vh := dst[14 : 14+vendorHeaderLen]
	binary.BigEndian.PutUint16(vh, subtypeVendor)
	binary.BigEndian.PutUint16(vh[2:], uint16(messageLen+len(payload)))
	vh[4] = 0
	copy(vh[5:8], ouiBroadcom[:])
	binary.BigEndian.PutUint16(vh[8:], userSubtypeEvent)

	b := dst[14+vendorHeaderLen:]
	binary.BigEndian.PutUint16(b, messageVersion)
	binary.BigEndian.PutUint16(b[2:], m.Flags)
	binary.BigEndian.PutUint32(b[4:], uint32(m.Event))
	binary.BigEndian.PutUint32(b[8:], uint32(m.Status))
	binary.BigEndian.PutUint32(b[12:], m.Reason)
	binary.BigEndian.PutUint32(b[16:], m.AuthType)
	binary.BigEndian.PutUint32(b[20:], uint32(len(payload)))
	copy(b[24:30], m.Addr[:])
	copy(b[30:46], m.IfName[:])
	b[46] = m.IfIdx
	b[47] = m.BSSCfgIdx
	copy(b[messageLen:], payload)
	return total, nil
}
