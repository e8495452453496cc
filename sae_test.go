package fullmac

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wlanforge/fullmac/fweh"
)

func wpa3Connect() ConnectRequest {
	return ConnectRequest{
		SSID:     []byte("SaeNet"),
		Security: SecurityConfig{Type: SecurityWPA3, Passphrase: []byte("correct horse")},
	}
}

func startSaeExchange(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.dev.Connect(0, wpa3Connect()))
	h.sendEvent(t, fweh.Message{Event: fweh.EventJoinStart, Addr: testPeer}, nil)
	require.True(t, h.dev.ClientInterface().SaeAuthenticating())
	require.Len(t, h.rec.saeInds, 1)
}

func TestSaeHandshakeFullExchange(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.iovarResp["sta_info"] = staInfoResponse(3)
	ifc := h.dev.ClientInterface()

	require.NoError(t, h.dev.Connect(0, wpa3Connect()))
	pw := h.bus.lastOp("sae_password")
	require.NotNil(t, pw, "SAE password never pushed")
	assert.Equal(t, uint16(13), binary.LittleEndian.Uint16(pw.payload))

	// Firmware pauses the join for the external exchange.
	h.sendEvent(t, fweh.Message{Event: fweh.EventJoinStart, Addr: testPeer}, nil)
	require.True(t, ifc.SaeAuthenticating())
	require.Len(t, h.rec.saeInds, 1)
	assert.Equal(t, testPeer, h.rec.saeInds[0].peer)
	assert.Equal(t, []byte("SaeNet"), h.rec.saeInds[0].ssid)

	// Host commit goes out through the association manager.
	commit := &SaeFrame{Peer: testPeer, SeqNum: 1, Fields: []byte{0x13, 0x00}}
	require.NoError(t, h.dev.SaeFrameTx(0, commit))
	op := h.bus.lastOp("assoc_mgr_cmd")
	require.NotNil(t, op)
	assert.Equal(t, assocMgrVersion, binary.LittleEndian.Uint32(op.payload[0:]))
	assert.Equal(t, assocMgrSendAuth, binary.LittleEndian.Uint32(op.payload[8:]))
	raw := op.payload[assocMgrHdrLen:]
	assert.Equal(t, uint16(fcAuth), binary.LittleEndian.Uint16(raw[0:]))
	assert.Equal(t, uint16(authAlgSAE), binary.LittleEndian.Uint16(raw[mgmtHdrLen:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(raw[mgmtHdrLen+2:]))

	// Peer commit comes back as a raw authentication frame.
	peerCommit := encodeAuthFrame(testPeer, &SaeFrame{SeqNum: 1, Fields: []byte{0x13, 0x00, 0xAB}})
	h.sendEvent(t, fweh.Message{Event: fweh.EventExtAuthFrameRx, Addr: testPeer}, peerCommit)
	require.Len(t, h.rec.saeFrames, 1)
	assert.Equal(t, uint16(1), h.rec.saeFrames[0].SeqNum)
	assert.Equal(t, []byte{0x13, 0x00, 0xAB}, h.rec.saeFrames[0].Fields)

	// AUTH success ends the handshake sub-state; the join resumes.
	h.sendEvent(t, fweh.Message{Event: fweh.EventAuth, Status: fweh.StatusSuccess, Addr: testPeer}, nil)
	require.False(t, ifc.SaeAuthenticating())
	require.Equal(t, StateConnecting, ifc.State(), "join continues after the handshake")

	h.sendEvent(t, fweh.Message{Event: fweh.EventSetSSID, Status: fweh.StatusSuccess, Addr: testPeer}, nil)
	require.Equal(t, StateConnected, ifc.State())
	require.Len(t, h.rec.connects, 1)
	assert.Equal(t, ConnectSuccess, h.rec.connects[0].result)
}

func TestSaeAuthFailureFailsJoin(t *testing.T) {
	h := newHarness(t, nil)
	startSaeExchange(t, h)

	h.sendEvent(t, fweh.Message{Event: fweh.EventAuth, Status: fweh.StatusFail, Addr: testPeer}, nil)
	ifc := h.dev.ClientInterface()
	require.False(t, ifc.SaeAuthenticating(), "handshake sub-state must clear on failure")
	require.Equal(t, StateIdle, ifc.State())
	require.Len(t, h.rec.connects, 1)
	assert.Equal(t, ConnectAuthFailed, h.rec.connects[0].result)
}

func TestSaeFrameTxFailureFailsJoin(t *testing.T) {
	h := newHarness(t, nil)
	startSaeExchange(t, h)

	h.sendEvent(t, fweh.Message{Event: fweh.EventMgmtFrameTxStatus, Status: fweh.StatusNoAck, Addr: testPeer}, nil)
	require.False(t, h.dev.ClientInterface().SaeAuthenticating())
	require.Len(t, h.rec.connects, 1)
	assert.Equal(t, ConnectAuthFailed, h.rec.connects[0].result)
}

func TestSaeAbortFromSupplicant(t *testing.T) {
	h := newHarness(t, nil)
	startSaeExchange(t, h)

	require.NoError(t, h.dev.AbortSaeHandshake(0))
	require.Len(t, h.rec.connects, 1)
	assert.Equal(t, ConnectAuthFailed, h.rec.connects[0].result)

	// Aborting twice reports there is nothing to abort.
	require.ErrorIs(t, h.dev.AbortSaeHandshake(0), errNoSaeExchange)
}

func TestSaeFrameTxRequiresExchange(t *testing.T) {
	h := newHarness(t, nil)
	err := h.dev.SaeFrameTx(0, &SaeFrame{Peer: testPeer, SeqNum: 1})
	require.ErrorIs(t, err, errNoSaeExchange)
}

func TestSaeRejectedWhenDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FeatureDisableMask = FeatureSAE })
	err := h.dev.Connect(0, wpa3Connect())
	require.ErrorIs(t, err, errBadSecurity)
	require.ErrorIs(t, h.dev.SaeFrameTx(0, &SaeFrame{}), errSaeDisabled)
}

func TestAuthFrameRoundTrip(t *testing.T) {
	self := [6]byte{2, 2, 2, 2, 2, 2}
	in := &SaeFrame{Peer: testPeer, SeqNum: 2, StatusCode: 0, Fields: []byte{1, 2, 3, 4}}
	raw := encodeAuthFrame(self, in)

	out, err := decodeAuthFrame(raw)
	require.NoError(t, err)
	// The decoder reports the transmitter as the peer.
	assert.Equal(t, self, out.Peer)
	assert.Equal(t, in.SeqNum, out.SeqNum)
	assert.Equal(t, in.Fields, out.Fields)

	_, err = decodeAuthFrame(raw[:10])
	require.ErrorIs(t, err, errShortSaeFrame)
}
