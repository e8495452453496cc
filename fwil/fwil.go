package fwil

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
)

var (
	errBufferTooLarge = errors.New("fwil: request exceeds transaction buffer")
	errNameTooLong    = errors.New("fwil: iovar name too long")
	errNilBus         = errors.New("fwil: nil bus")
)

// MaxTransactionSize caps a single command payload, name included. Firmware
// rejects anything larger so the cap is enforced before transmission.
const MaxTransactionSize = 8192

// Bus moves one already-encoded control transaction to firmware and back.
// Implementations wrap the physical transport (SDIO, PCIe, a simulator).
//
// buf holds the request payload on entry; on return the first n bytes hold
// the response payload for get-style commands. fwStatus is the raw firmware
// completion code from the control header and is meaningless when err is
// non-nil.
type Bus interface {
	TxCtl(set bool, cmd Cmd, ifidx uint8, buf []byte) (n int, fwStatus int32, err error)
}

// Controller serializes command traffic to one radio. Only a single
// transaction may be in flight at a time: the scratch buffer is shared
// across calls and guarded by a mutex rather than allocated per call,
// matching firmware's single-outstanding-command design.
type Controller struct {
	mu     sync.Mutex
	bus    Bus
	logger *slog.Logger
	buf    [MaxTransactionSize]byte
}

func NewController(bus Bus, logger *slog.Logger) (*Controller, error) {
	if bus == nil {
		return nil, errNilBus
	}
	return &Controller{bus: bus, logger: logger}, nil
}

// Cmd issues a fixed-opcode set command with an opaque payload.
func (c *Controller) Cmd(ifidx uint8, cmd Cmd, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(c.buf[:], data)
	if n < len(data) {
		return errBufferTooLarge
	}
	_, err := c.txctl(true, cmd, "", ifidx, c.buf[:n])
	return err
}

// CmdGet issues a fixed-opcode get command. data seeds the request and
// receives the response; the response length is returned.
func (c *Controller) CmdGet(ifidx uint8, cmd Cmd, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(c.buf[:], data)
	if n < len(data) {
		return 0, errBufferTooLarge
	}
	plen, err := c.txctl(false, cmd, "", ifidx, c.buf[:n])
	if err != nil {
		return 0, err
	}
	return copy(data, c.buf[:plen]), nil
}

// CmdUint32 issues a fixed-opcode set command with a 4-byte LE payload.
func (c *Controller) CmdUint32(ifidx uint8, cmd Cmd, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return c.Cmd(ifidx, cmd, b[:])
}

// CmdUint32Get issues a fixed-opcode get command returning a 4-byte LE value.
func (c *Controller) CmdUint32Get(ifidx uint8, cmd Cmd) (uint32, error) {
	var b [4]byte
	if _, err := c.CmdGet(ifidx, cmd, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// SetIOVarN sets a named firmware variable to an opaque value.
func (c *Controller) SetIOVarN(ifidx uint8, name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.encodeIOVar(name, nil, data)
	if err != nil {
		return err
	}
	_, err = c.txctl(true, CmdSetVar, name, ifidx, c.buf[:n])
	return err
}

// SetIOVar sets a named firmware variable to a 4-byte LE value.
func (c *Controller) SetIOVar(ifidx uint8, name string, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return c.SetIOVarN(ifidx, name, b[:])
}

// GetIOVarN reads a named firmware variable into res, returning the response
// length. The variable name seeds the request buffer per the wire contract.
func (c *Controller) GetIOVarN(ifidx uint8, name string, res []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.encodeIOVar(name, nil, nil)
	if err != nil {
		return 0, err
	}
	// Firmware writes the response over the request; reserve room for it.
	total := max(n, len(res))
	if total > len(c.buf) {
		return 0, errBufferTooLarge
	}
	clear(c.buf[n:total])
	plen, err := c.txctl(false, CmdGetVar, name, ifidx, c.buf[:total])
	if err != nil {
		return 0, err
	}
	if plen > len(res) {
		plen = len(res)
	}
	return copy(res, c.buf[:plen]), nil
}

// QueryIOVarN reads a named firmware variable whose request carries input
// data, e.g. the station address a sta_info query is about. The response
// overwrites the request in the scratch buffer and is copied into res.
func (c *Controller) QueryIOVarN(ifidx uint8, name string, input, res []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.encodeIOVar(name, nil, input)
	if err != nil {
		return 0, err
	}
	total := max(n, len(res))
	if total > len(c.buf) {
		return 0, errBufferTooLarge
	}
	clear(c.buf[n:total])
	plen, err := c.txctl(false, CmdGetVar, name, ifidx, c.buf[:total])
	if err != nil {
		return 0, err
	}
	if plen > len(res) {
		plen = len(res)
	}
	return copy(res, c.buf[:plen]), nil
}

// GetIOVar reads a named firmware variable as a 4-byte LE value.
func (c *Controller) GetIOVar(ifidx uint8, name string) (uint32, error) {
	var b [4]byte
	if _, err := c.GetIOVarN(ifidx, name, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// SetBSSCfgIOVarN sets a bsscfg-scoped variable: the 4-byte LE bss-config
// index is embedded between the name and the value.
func (c *Controller) SetBSSCfgIOVarN(ifidx uint8, name string, bsscfgidx uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pfx [4]byte
	binary.LittleEndian.PutUint32(pfx[:], bsscfgidx)
	n, err := c.encodeIOVar(name, pfx[:], data)
	if err != nil {
		return err
	}
	_, err = c.txctl(true, CmdSetVar, name, ifidx, c.buf[:n])
	return err
}

// SetBSSCfgIOVar sets a bsscfg-scoped variable to a 4-byte LE value.
func (c *Controller) SetBSSCfgIOVar(ifidx uint8, name string, bsscfgidx, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return c.SetBSSCfgIOVarN(ifidx, name, bsscfgidx, b[:])
}

// GetBSSCfgIOVar reads a bsscfg-scoped variable as a 4-byte LE value.
func (c *Controller) GetBSSCfgIOVar(ifidx uint8, name string, bsscfgidx uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pfx [4]byte
	binary.LittleEndian.PutUint32(pfx[:], bsscfgidx)
	n, err := c.encodeIOVar(name, pfx[:], nil)
	if err != nil {
		return 0, err
	}
	if n < 4 {
		n = 4
	}
	plen, err := c.txctl(false, CmdGetVar, name, ifidx, c.buf[:n])
	if err != nil {
		return 0, err
	}
	if plen < 4 {
		return 0, errors.New("fwil: short bsscfg iovar response")
	}
	return binary.LittleEndian.Uint32(c.buf[:4]), nil
}

// encodeIOVar lays out name + NUL [+ prefix] + payload in the scratch
// buffer. Caller holds c.mu.
func (c *Controller) encodeIOVar(name string, prefix, data []byte) (int, error) {
	if len(name)+1 > 256 {
		return 0, errNameTooLong
	}
	total := len(name) + 1 + len(prefix) + len(data)
	if total > len(c.buf) {
		return 0, errBufferTooLarge
	}
	n := copy(c.buf[:], name)
	c.buf[n] = 0
	n++
	n += copy(c.buf[n:], prefix)
	n += copy(c.buf[n:], data)
	return n, nil
}

// txctl performs the round trip and folds the two-level error model:
// transport failures are returned as-is and make the firmware status
// meaningless; a non-zero firmware status becomes a *FirmwareError.
// Caller holds c.mu.
func (c *Controller) txctl(set bool, cmd Cmd, name string, ifidx uint8, buf []byte) (int, error) {
	if c.logenabled(slog.LevelDebug) {
		c.logger.Debug("fwil:txctl",
			slog.String("cmd", cmd.String()),
			slog.String("iovar", name),
			slog.Bool("set", set),
			slog.Uint64("ifidx", uint64(ifidx)),
			slog.Int("len", len(buf)),
		)
	}
	n, fwStatus, err := c.bus.TxCtl(set, cmd, ifidx, buf)
	if err != nil {
		return 0, err
	}
	if st := Status(fwStatus); st != StatusOK {
		return 0, &FirmwareError{Cmd: cmd, Name: name, Status: st}
	}
	return n, nil
}

func (c *Controller) logenabled(lvl slog.Level) bool {
	return c.logger != nil && c.logger.Enabled(context.Background(), lvl)
}
