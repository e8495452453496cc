package fwil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureBus records the last transaction and plays back a scripted
// response.
type captureBus struct {
	set   bool
	cmd   Cmd
	ifidx uint8
	buf   []byte

	resp     []byte
	fwStatus int32
	err      error
}

func (b *captureBus) TxCtl(set bool, cmd Cmd, ifidx uint8, buf []byte) (int, int32, error) {
	b.set, b.cmd, b.ifidx = set, cmd, ifidx
	b.buf = append(b.buf[:0], buf...)
	if b.err != nil {
		return 0, 0, b.err
	}
	if b.fwStatus != 0 {
		return 0, b.fwStatus, nil
	}
	n := copy(buf, b.resp)
	if len(b.resp) > 0 {
		return n, 0, nil
	}
	return len(buf), 0, nil
}

func newTestController(t *testing.T) (*Controller, *captureBus) {
	t.Helper()
	bus := &captureBus{}
	c, err := NewController(bus, nil)
	require.NoError(t, err)
	return c, bus
}

func TestSetIOVarEncoding(t *testing.T) {
	c, bus := newTestController(t)
	require.NoError(t, c.SetIOVar(2, "roam_off", 1))

	assert.True(t, bus.set)
	assert.Equal(t, CmdSetVar, bus.cmd)
	assert.Equal(t, uint8(2), bus.ifidx)

	// Wire layout: name, NUL, little-endian value.
	i := bytes.IndexByte(bus.buf, 0)
	require.Positive(t, i)
	assert.Equal(t, "roam_off", string(bus.buf[:i]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(bus.buf[i+1:]))
}

func TestBSSCfgIOVarEmbedsIndex(t *testing.T) {
	c, bus := newTestController(t)
	require.NoError(t, c.SetBSSCfgIOVar(0, "sup_wpa", 3, 1))

	i := bytes.IndexByte(bus.buf, 0)
	require.Positive(t, i)
	assert.Equal(t, "sup_wpa", string(bus.buf[:i]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(bus.buf[i+1:]), "bsscfg index precedes the value")
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(bus.buf[i+5:]))
}

func TestGetIOVarReadsResponse(t *testing.T) {
	c, bus := newTestController(t)
	bus.resp = []byte{0x2A, 0, 0, 0}
	v, err := c.GetIOVar(0, "pm2_sleep_ret")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2A), v)
	assert.False(t, bus.set)
	assert.Equal(t, CmdGetVar, bus.cmd)
}

func TestQueryIOVarCarriesInput(t *testing.T) {
	c, bus := newTestController(t)
	bus.resp = []byte{1, 0, 16, 0, 0x21, 0x04, 7, 0}

	peer := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	var res [8]byte
	n, err := c.QueryIOVarN(0, "sta_info", peer, res[:])
	require.NoError(t, err)
	require.Equal(t, 8, n)
	assert.Equal(t, uint16(7), binary.LittleEndian.Uint16(res[6:]))

	// The request must have carried the station address after the name.
	i := bytes.IndexByte(bus.buf, 0)
	assert.Equal(t, peer, bus.buf[i+1:i+7])
}

func TestCmdUint32RoundTrip(t *testing.T) {
	c, bus := newTestController(t)
	require.NoError(t, c.CmdUint32(0, CmdSetPM, 2))
	assert.Equal(t, CmdSetPM, bus.cmd)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(bus.buf))

	bus.resp = []byte{0xD0, 0xFF, 0xFF, 0xFF} // -48 as LE int32
	got, err := c.CmdUint32Get(0, CmdGetRSSI)
	require.NoError(t, err)
	assert.Equal(t, int32(-48), int32(got))
}

func TestFirmwareErrorFolding(t *testing.T) {
	c, bus := newTestController(t)
	bus.fwStatus = int32(StatusUnsupported)

	err := c.SetIOVar(0, "nonexistent_var", 1)
	require.Error(t, err)

	var fwerr *FirmwareError
	require.ErrorAs(t, err, &fwerr)
	assert.Equal(t, StatusUnsupported, fwerr.Status)
	assert.Equal(t, "nonexistent_var", fwerr.Name)
	assert.True(t, IsUnsupported(err))

	status, ok := IsFirmwareError(err)
	assert.True(t, ok)
	assert.Equal(t, StatusUnsupported, status)
}

func TestTransportErrorIsNotFirmwareError(t *testing.T) {
	c, bus := newTestController(t)
	bus.err = errors.New("bus gone")

	err := c.Cmd(0, CmdUp, nil)
	require.Error(t, err)
	_, ok := IsFirmwareError(err)
	assert.False(t, ok, "transport failures must stay distinguishable")
	assert.False(t, IsUnsupported(err))
}

func TestIOVarNameTooLong(t *testing.T) {
	c, _ := newTestController(t)
	err := c.SetIOVar(0, strings.Repeat("x", 300), 1)
	require.Error(t, err)
}

func TestPayloadTooLargeRejected(t *testing.T) {
	c, _ := newTestController(t)
	err := c.SetIOVarN(0, "escan", make([]byte, MaxTransactionSize+1))
	require.Error(t, err)
}

func TestCmdStringNames(t *testing.T) {
	assert.Equal(t, "UP", CmdUp.String())
	assert.Equal(t, "SET_SSID", CmdSetSSID.String())
	assert.True(t, CmdGetVar.IsValid())
	assert.False(t, Cmd(5000).IsValid())
}
