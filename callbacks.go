package fullmac

// This file is the upward boundary: everything the driver reports to the
// 802.11 protocol stack sitting above it. The stack is an external
// collaborator; the driver only promises that every host-initiated request
// produces exactly one terminal callback.

// ScanResult describes one discovered network, deduplicated per
// BSSID+control channel within a scan session.
type ScanResult struct {
	BSSID        [6]byte
	SSID         []byte
	Channel      uint16
	RSSI         int16
	BeaconPeriod uint16
	Capability   uint16
}

// ScanEnd is the mapped terminal result of a scan session.
type ScanEnd uint8

const (
	ScanEndSuccess ScanEnd = iota
	ScanEndAborted
	// ScanEndInterrupted means firmware stopped the scan because an
	// association started.
	ScanEndInterrupted
	ScanEndError
)

// ConnectResult is the mapped terminal result of a connect request.
type ConnectResult uint8

const (
	ConnectSuccess ConnectResult = iota
	ConnectRefused
	ConnectAuthFailed
	ConnectNoNetwork
	// ConnectUnspecified is the generic failure, used when firmware never
	// said why (e.g. the connect timer fired with no terminal event).
	ConnectUnspecified
)

// SaeFrame is one SAE authentication frame crossing the boundary in either
// direction during the external WPA3 exchange.
type SaeFrame struct {
	Peer       [6]byte
	SeqNum     uint16 // SAE message sequence: 1 commit, 2 confirm.
	StatusCode uint16
	// Fields is the body after the fixed authentication header.
	Fields []byte
}

// Callbacks receives upward confirmations and indications. Methods are
// invoked from the per-radio event worker, one at a time, in firmware
// arrival order; implementations must not call back into the Device from
// the same goroutine with blocking intent.
type Callbacks interface {
	// ScanResult reports one discovered network of the scan session syncID.
	ScanResult(syncID uint16, res *ScanResult)
	// ScanEnd reports the single terminal outcome of a scan session.
	ScanEnd(syncID uint16, result ScanEnd)

	// ConnectConfirm is the single terminal outcome of a connect request.
	// aid is the association ID firmware assigned; zero when unknown.
	ConnectConfirm(ifidx uint8, peer [6]byte, result ConnectResult, aid uint16)
	// DisconnectConfirm is the single terminal outcome of a host-initiated
	// disconnect.
	DisconnectConfirm(ifidx uint8, peer [6]byte)
	// DisconnectInd reports a firmware- or peer-initiated link loss.
	DisconnectInd(ifidx uint8, peer [6]byte, reason uint16)

	// SaeHandshakeInd asks the external supplicant to run the SAE exchange.
	SaeHandshakeInd(ifidx uint8, peer [6]byte, ssid []byte)
	// SaeFrameRx forwards an inbound SAE authentication frame upward.
	SaeFrameRx(ifidx uint8, frame *SaeFrame)

	// AssocInd reports a station associating to the local AP.
	AssocInd(ifidx uint8, sta [6]byte, listenInterval uint16, rsnIE []byte)
	// AuthInd reports a station authenticating to the local AP.
	AuthInd(ifidx uint8, sta [6]byte)
	// DisassocInd reports a station leaving the local AP.
	DisassocInd(ifidx uint8, sta [6]byte, reason uint16)
	// StartAPConfirm is the single terminal outcome of a StartAP request.
	StartAPConfirm(ifidx uint8, ok bool)

	// EapolFrame hands a received EAPOL frame upward, ordered relative to
	// the control events around it.
	EapolFrame(ifidx uint8, frame []byte)
	// ChannelSwitch reports a completed channel switch announcement.
	ChannelSwitch(ifidx uint8, channel uint16)
	// SignalReport is the periodic link quality report while connected.
	SignalReport(ifidx uint8, rssi int16)
}

// NopCallbacks implements Callbacks with no-ops, for embedding.
type NopCallbacks struct{}

func (NopCallbacks) ScanResult(uint16, *ScanResult) {}
func (NopCallbacks) ScanEnd(uint16, ScanEnd) {}
func (NopCallbacks) ConnectConfirm(uint8, [6]byte, ConnectResult, uint16) {}
func (NopCallbacks) DisconnectConfirm(uint8, [6]byte) {}
func (NopCallbacks) DisconnectInd(uint8, [6]byte, uint16) {}
func (NopCallbacks) SaeHandshakeInd(uint8, [6]byte, []byte) {}
func (NopCallbacks) SaeFrameRx(uint8, *SaeFrame) {}
func (NopCallbacks) AssocInd(uint8, [6]byte, uint16, []byte) {}
func (NopCallbacks) AuthInd(uint8, [6]byte) {}
func (NopCallbacks) DisassocInd(uint8, [6]byte, uint16) {}
func (NopCallbacks) StartAPConfirm(uint8, bool) {}
func (NopCallbacks) EapolFrame(uint8, []byte) {}
func (NopCallbacks) ChannelSwitch(uint8, uint16) {}
func (NopCallbacks) SignalReport(uint8, int16) {}
