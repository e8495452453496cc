package fullmac

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/wlanforge/fullmac/fweh"
)

// The WPA3-SAE handshake runs outside firmware: when a join pauses at
// JOIN_START the host's supplicant exchanges SAE commit/confirm frames
// through the firmware's association manager, then firmware resumes the
// join on AUTH success.

var (
	errNoSaeExchange = errors.New("fullmac: no SAE exchange in progress")
	errSaeDisabled   = errors.New("fullmac: SAE support disabled")
	errShortSaeFrame = errors.New("fullmac: truncated SAE authentication frame")
)

// assoc_mgr_cmd layout: version u32, length u32, command u32, parameters.
const (
	assocMgrVersion  uint32 = 1
	assocMgrSendAuth uint32 = 3
	assocMgrHdrLen          = 12
)

// 802.11 management constants for the authentication frames crossing the
// association manager.
const (
	mgmtHdrLen   = 24
	authFixedLen = 6 // algorithm, sequence, status
	fcAuth       = 0x00B0
	authAlgSAE   = 3
	minAuthFrame = mgmtHdrLen + authFixedLen
)

// handleJoinStart fires when firmware begins a join attempt. For an SAE
// join this is the pause point: the host supplicant must run the exchange
// before the join proceeds.
func (d *Device) handleJoinStart(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil || ifc.State() != StateConnecting {
		return
	}
	ifc.mu.Lock()
	req := ifc.pendingConnect
	var peer [6]byte
	var ssid []byte
	if req != nil {
		peer = ifc.profile.BSSID
		ssid = append([]byte(nil), req.SSID...)
	}
	sae := req != nil && req.Security.Type == SecurityWPA3
	ifc.mu.Unlock()
	if !sae {
		return
	}
	if peer == ([6]byte{}) {
		peer = msg.Addr
	}
	ifc.saeAuth.Store(true)
	d.debug("sae:handshake_start", slog.Uint64("ifidx", uint64(msg.IfIdx)))
	d.cb.SaeHandshakeInd(ifc.Index, peer, ssid)
}

// handleExtAuthReq is firmware explicitly requesting external
// authentication for the peer in the event address.
func (d *Device) handleExtAuthReq(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil || ifc.State() != StateConnecting {
		return
	}
	ifc.mu.Lock()
	var ssid []byte
	if ifc.pendingConnect != nil {
		ssid = append([]byte(nil), ifc.pendingConnect.SSID...)
	}
	ifc.mu.Unlock()
	ifc.saeAuth.Store(true)
	d.cb.SaeHandshakeInd(ifc.Index, msg.Addr, ssid)
}

// handleExtAuthFrameRx forwards an inbound SAE authentication frame to the
// external supplicant. The payload is the raw 802.11 authentication frame.
func (d *Device) handleExtAuthFrameRx(msg *fweh.Message, payload []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil || !ifc.SaeAuthenticating() {
		d.trace("sae:frame_no_exchange")
		return
	}
	frame, err := decodeAuthFrame(payload)
	if err != nil {
		d.debug("sae:bad_frame", slog.String("err", err.Error()))
		return
	}
	d.cb.SaeFrameRx(ifc.Index, frame)
}

// handleMgmtTxStatus reports the fate of a host-sent SAE frame. A failed
// transmission during the exchange fails the whole join attempt.
func (d *Device) handleMgmtTxStatus(msg *fweh.Message, _ []byte) {
	ifc := d.ifaceByIdx(msg.IfIdx)
	if ifc == nil || !ifc.SaeAuthenticating() {
		return
	}
	if msg.Status == fweh.StatusSuccess {
		d.trace("sae:frame_acked")
		return
	}
	d.warn("sae:frame_tx_failed", slog.String("status", msg.Status.String()))
	ifc.saeAuth.Store(false)
	d.connectFailed(ifc, ConnectAuthFailed)
}

// SaeFrameTx sends one SAE commit or confirm frame from the external
// supplicant through the firmware association manager.
func (d *Device) SaeFrameTx(ifidx uint8, frame *SaeFrame) error {
	if !d.cfg.featureEnabled(FeatureSAE) {
		return errSaeDisabled
	}
	ifc := d.ifaceByIdx(ifidx)
	if ifc == nil {
		return errNoInterface
	}
	if !ifc.SaeAuthenticating() {
		return errNoSaeExchange
	}
	raw := encodeAuthFrame(ifc.MAC, frame)
	buf := make([]byte, assocMgrHdrLen+len(raw))
	binary.LittleEndian.PutUint32(buf[0:], assocMgrVersion)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(buf[8:], assocMgrSendAuth)
	copy(buf[assocMgrHdrLen:], raw)
	return d.fwil.SetIOVarN(ifidx, "assoc_mgr_cmd", buf)
}

// AbortSaeHandshake is the external supplicant giving up on the exchange.
// The handshake sub-state clears before the connect attempt fails so the
// terminal callback never observes a live exchange.
func (d *Device) AbortSaeHandshake(ifidx uint8) error {
	ifc := d.ifaceByIdx(ifidx)
	if ifc == nil {
		return errNoInterface
	}
	if !ifc.saeAuth.CompareAndSwap(true, false) {
		return errNoSaeExchange
	}
	d.connectFailed(ifc, ConnectAuthFailed)
	return nil
}

// encodeAuthFrame builds the 802.11 authentication frame carrying one SAE
// message: management header, then algorithm/sequence/status, then the SAE
// field block.
func encodeAuthFrame(self [6]byte, f *SaeFrame) []byte {
	buf := make([]byte, minAuthFrame+len(f.Fields))
	binary.LittleEndian.PutUint16(buf[0:], fcAuth)
	copy(buf[4:10], f.Peer[:])  // addr1: destination
	copy(buf[10:16], self[:])   // addr2: transmitter
	copy(buf[16:22], f.Peer[:]) // addr3: BSSID
	binary.LittleEndian.PutUint16(buf[mgmtHdrLen+0:], authAlgSAE)
	binary.LittleEndian.PutUint16(buf[mgmtHdrLen+2:], f.SeqNum)
	binary.LittleEndian.PutUint16(buf[mgmtHdrLen+4:], f.StatusCode)
	copy(buf[minAuthFrame:], f.Fields)
	return buf
}

// decodeAuthFrame parses an 802.11 authentication frame into an SaeFrame.
// The peer is the transmitter address.
func decodeAuthFrame(b []byte) (*SaeFrame, error) {
	if len(b) < minAuthFrame {
		return nil, errShortSaeFrame
	}
	var f SaeFrame
	copy(f.Peer[:], b[10:16])
	f.SeqNum = binary.LittleEndian.Uint16(b[mgmtHdrLen+2:])
	f.StatusCode = binary.LittleEndian.Uint16(b[mgmtHdrLen+4:])
	f.Fields = append([]byte(nil), b[minAuthFrame:]...)
	return &f, nil
}
