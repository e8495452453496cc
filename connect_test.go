package fullmac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wlanforge/fullmac/fweh"
	"github.com/wlanforge/fullmac/fwil"
)

func openConnect(ssid string) ConnectRequest {
	return ConnectRequest{SSID: []byte(ssid)}
}

func TestConnectOpenNetwork(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.iovarResp["sta_info"] = staInfoResponse(7)
	ifc := h.dev.ClientInterface()

	require.NoError(t, h.dev.Connect(0, openConnect("Test")))
	require.Equal(t, StateConnecting, ifc.State())

	// Connecting and Connected are values of one enum: claiming the
	// interface again while a join runs must bounce.
	require.ErrorIs(t, h.dev.Connect(0, openConnect("Other")), errConnBusy)

	ssidOp := h.bus.lastOp(fwil.CmdSetSSID.String())
	require.NotNil(t, ssidOp, "join never issued")
	assert.Equal(t, []byte("Test"), ssidOp.payload[4:8])

	h.sendEvent(t, fweh.Message{
		Event: fweh.EventSetSSID, Status: fweh.StatusSuccess, Addr: testPeer,
	}, nil)

	require.Equal(t, StateConnected, ifc.State())
	require.Len(t, h.rec.connects, 1)
	got := h.rec.connects[0]
	assert.Equal(t, ConnectSuccess, got.result)
	assert.Equal(t, testPeer, got.peer)
	assert.Equal(t, uint16(7), got.aid, "association id must come from the station query")

	// A duplicate terminal event must not produce a second confirm.
	h.sendEvent(t, fweh.Message{
		Event: fweh.EventSetSSID, Status: fweh.StatusSuccess, Addr: testPeer,
	}, nil)
	require.Len(t, h.rec.connects, 1)
}

func TestConnectNoNetwork(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.dev.Connect(0, openConnect("Nowhere")))
	h.sendEvent(t, fweh.Message{
		Event: fweh.EventSetSSID, Status: fweh.StatusNoNetworks,
	}, nil)
	require.Len(t, h.rec.connects, 1)
	assert.Equal(t, ConnectNoNetwork, h.rec.connects[0].result)
	assert.Equal(t, StateIdle, h.dev.ClientInterface().State())
}

func TestConnectRejectedSynchronously(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.failSet[fwil.CmdSetSSID.String()] = int32(fwil.StatusBadArg)

	err := h.dev.Connect(0, openConnect("Test"))
	require.Error(t, err)
	status, ok := fwil.IsFirmwareError(err)
	require.True(t, ok)
	assert.Equal(t, fwil.StatusBadArg, status)

	// A rejected request leaves no trace: state back to idle, no callback.
	assert.Equal(t, StateIdle, h.dev.ClientInterface().State())
	assert.Empty(t, h.rec.connects)
}

func TestConnectTimeoutConfirmsUnspecified(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ConnectTimeout = 20 * time.Millisecond })
	require.NoError(t, h.dev.Connect(0, openConnect("Test")))

	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.connects) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, ConnectUnspecified, h.rec.connects[0].result)
	assert.Equal(t, StateIdle, h.dev.ClientInterface().State())

	// A terminal event racing in after the timer already fired is stale.
	h.sendEvent(t, fweh.Message{Event: fweh.EventSetSSID, Status: fweh.StatusSuccess}, nil)
	require.Len(t, h.rec.connects, 1)
}

func TestConnectFailureClearsFirmwareJoinState(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.dev.Connect(0, openConnect("Test")))

	h.sendEvent(t, fweh.Message{Event: fweh.EventSetSSID, Status: fweh.StatusFail}, nil)
	require.Len(t, h.rec.connects, 1)
	assert.Equal(t, ConnectUnspecified, h.rec.connects[0].result)

	// Firmware may still be mid-join when the host reports failure; the
	// failure path must have told it to drop the attempt.
	op := h.bus.lastOp(fwil.CmdDisassoc.String())
	require.NotNil(t, op, "failed join must issue a disassociate to clear firmware state")
	assert.Equal(t, byte(reasonUnspecified), op.payload[0])
}

func TestConnectSecurityInstallFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.failSet[fwil.CmdSetWsec.String()] = int32(fwil.StatusBadArg)

	req := ConnectRequest{
		SSID:     []byte("Home"),
		Security: SecurityConfig{Type: SecurityWPA2, Passphrase: []byte("hunter2hunter2")},
	}
	err := h.dev.Connect(0, req)
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.dev.ClientInterface().State())
	assert.Empty(t, h.rec.connects)

	// The claim released on failure, so a corrected retry goes through.
	delete(h.bus.failSet, fwil.CmdSetWsec.String())
	require.NoError(t, h.dev.Connect(0, req))
	require.Equal(t, StateConnecting, h.dev.ClientInterface().State())
}

func TestConnectDeauthDuringJoin(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.dev.Connect(0, openConnect("Test")))
	h.sendEvent(t, fweh.Message{
		Event: fweh.EventDeauthInd, Addr: testPeer, Reason: 1,
	}, nil)
	require.Len(t, h.rec.connects, 1)
	assert.Equal(t, ConnectRefused, h.rec.connects[0].result)
}

func connectSuccessfully(t *testing.T, h *harness) {
	t.Helper()
	h.bus.iovarResp["sta_info"] = staInfoResponse(1)
	require.NoError(t, h.dev.Connect(0, openConnect("Test")))
	h.sendEvent(t, fweh.Message{
		Event: fweh.EventSetSSID, Status: fweh.StatusSuccess, Addr: testPeer,
	}, nil)
	require.Equal(t, StateConnected, h.dev.ClientInterface().State())
}

func TestDisconnectCompletesOnLinkDown(t *testing.T) {
	h := newHarness(t, nil)
	connectSuccessfully(t, h)
	ifc := h.dev.ClientInterface()

	require.NoError(t, h.dev.Disconnect(0, testPeer))
	require.Equal(t, StateDisconnecting, ifc.State())
	deauth := h.bus.lastOp(fwil.CmdSCBDeauthenticate.String())
	require.NotNil(t, deauth, "deauthenticate command never issued")
	assert.Equal(t, testPeer[:], deauth.payload[4:10])

	h.sendEvent(t, fweh.Message{Event: fweh.EventLink, Addr: testPeer}, nil)
	require.Equal(t, StateIdle, ifc.State())
	require.Len(t, h.rec.disconnectConfs, 1)

	// The profile clears except the BSSID, kept to correlate stragglers.
	p := ifc.ProfileSnapshot()
	assert.Equal(t, testPeer, p.BSSID)
	assert.Empty(t, p.SSID)

	// Late link-down after completion: no duplicate confirm, no panic.
	h.sendEvent(t, fweh.Message{Event: fweh.EventLink, Addr: testPeer}, nil)
	require.Len(t, h.rec.disconnectConfs, 1)
}

func TestDisconnectTimeoutForcesCompletion(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DisconnectTimeout = 20 * time.Millisecond })
	connectSuccessfully(t, h)

	require.NoError(t, h.dev.Disconnect(0, testPeer))
	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.disconnectConfs) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateIdle, h.dev.ClientInterface().State())

	// The firmware event arriving after the forced completion is stale.
	h.sendEvent(t, fweh.Message{Event: fweh.EventLink, Addr: testPeer}, nil)
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.disconnectConfs, 1)
}

func TestDisconnectRejectedWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.dev.Disconnect(0, testPeer), errNotConnected)
}

func TestDisconnectRejectsWrongPeer(t *testing.T) {
	h := newHarness(t, nil)
	connectSuccessfully(t, h)
	ifc := h.dev.ClientInterface()

	// A stale request naming an AP we are not associated to must bounce
	// without touching the association.
	other := [6]byte{1, 2, 3, 4, 5, 6}
	require.ErrorIs(t, h.dev.Disconnect(0, other), errPeerMismatch)
	assert.Equal(t, StateConnected, ifc.State())
	assert.Nil(t, h.bus.lastOp(fwil.CmdSCBDeauthenticate.String()),
		"mismatched peer must be rejected before the deauthenticate command")
	assert.Empty(t, h.rec.disconnectConfs)

	require.NoError(t, h.dev.Disconnect(0, testPeer))
	require.Equal(t, StateDisconnecting, ifc.State())
}

func TestDisconnectCommandFailureRollsBack(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DisconnectTimeout = 20 * time.Millisecond })
	connectSuccessfully(t, h)
	ifc := h.dev.ClientInterface()

	h.bus.failSet[fwil.CmdSCBDeauthenticate.String()] = int32(fwil.StatusError)
	err := h.dev.Disconnect(0, testPeer)
	require.Error(t, err)
	_, ok := fwil.IsFirmwareError(err)
	require.True(t, ok)
	assert.Equal(t, StateConnected, ifc.State(), "failed command must restore the previous state")

	// The timer armed ahead of the command must be gone: well past the
	// disconnect timeout, no forced completion has fired.
	time.Sleep(100 * time.Millisecond)
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Empty(t, h.rec.disconnectConfs, "rolled-back disconnect must never confirm")
}

func TestLinkLossReportsDisconnectInd(t *testing.T) {
	h := newHarness(t, nil)
	connectSuccessfully(t, h)

	h.sendEvent(t, fweh.Message{
		Event: fweh.EventDeauthInd, Addr: testPeer, Reason: 4,
	}, nil)
	require.Len(t, h.rec.disconnectInds, 1)
	assert.Equal(t, uint16(4), h.rec.disconnectInds[0].reason)
	assert.Equal(t, testPeer, h.rec.disconnectInds[0].peer)
	assert.Equal(t, StateIdle, h.dev.ClientInterface().State())
}

func TestEapolOrderedAgainstEvents(t *testing.T) {
	h := newHarness(t, nil)
	connectSuccessfully(t, h)

	// An EAPOL frame followed by the deauth behind it on the air must
	// reach the stack in that order.
	h.dev.DeliverEapol(0, []byte{0x01, 0x03, 0x00, 0x5F})
	h.sendEvent(t, fweh.Message{
		Event: fweh.EventDeauthInd, Addr: testPeer, Reason: 2,
	}, nil)

	require.Equal(t, []string{"eapol", "disconnect"}, h.rec.snapshotOrder())
}

func TestConnectWPA2ProgramsCredentials(t *testing.T) {
	h := newHarness(t, nil)
	req := ConnectRequest{
		SSID:     []byte("Home"),
		Security: SecurityConfig{Type: SecurityWPA2, Passphrase: []byte("hunter2hunter2")},
	}
	require.NoError(t, h.dev.Connect(0, req))

	wsec := h.bus.lastOp(fwil.CmdSetWsec.String())
	require.NotNil(t, wsec)
	assert.Equal(t, byte(wsecAES), wsec.payload[0])

	pmk := h.bus.lastOp(fwil.CmdSetWsecPMK.String())
	require.NotNil(t, pmk, "passphrase never pushed")
	assert.Equal(t, byte(14), pmk.payload[0], "passphrase length")

	auth := h.bus.lastOp(fwil.CmdSetWpaAuth.String())
	require.NotNil(t, auth)
	assert.Equal(t, wpa2AuthPSK, uint32(auth.payload[0]))
}

func TestConnectTargetedUsesJoinParams(t *testing.T) {
	h := newHarness(t, nil)
	req := openConnect("Pinned")
	req.BSSID = testPeer
	req.Channel = 11
	require.NoError(t, h.dev.Connect(0, req))

	join := h.bus.lastOp("join")
	require.NotNil(t, join, "targeted connect must use ext join params")
	assert.Equal(t, testPeer[:], join.payload[ssidFieldLen:ssidFieldLen+6])
	assert.Equal(t, byte(11), join.payload[ssidFieldLen+12], "chanspec low byte is the channel")
}

func TestSupplicantFailureFailsJoin(t *testing.T) {
	h := newHarness(t, nil)
	req := ConnectRequest{
		SSID:     []byte("Home"),
		Security: SecurityConfig{Type: SecurityWPA2, Passphrase: []byte("wrongpass")},
	}
	require.NoError(t, h.dev.Connect(0, req))
	h.sendEvent(t, fweh.Message{
		Event: fweh.EventPSKSup, Status: 8, Reason: 15, Addr: testPeer,
	}, nil)
	require.Len(t, h.rec.connects, 1)
	assert.Equal(t, ConnectAuthFailed, h.rec.connects[0].result)
}
