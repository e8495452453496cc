package fwil

import "errors"

// Status is the firmware-reported completion code returned alongside a
// successful transport round trip. Zero is success; failures are small
// negative values. A transport error forecloses interpreting Status.
type Status int32

const (
	StatusOK              Status = 0
	StatusError           Status = -1
	StatusBadArg          Status = -2
	StatusBadOption       Status = -3
	StatusNotUp           Status = -4
	StatusNotDown         Status = -5
	StatusNotAP           Status = -6
	StatusNotSTA          Status = -7
	StatusBadKeyIndex     Status = -8
	StatusRadioOff        Status = -9
	StatusBufferTooShort  Status = -14
	StatusBufferTooLong   Status = -15
	StatusBusy            Status = -16
	StatusNotAssociated   Status = -17
	StatusBadSSIDLen      Status = -18
	StatusOutOfRangeChan  Status = -19
	StatusBadChan         Status = -20
	StatusBadAddr         Status = -21
	StatusNoResource      Status = -22
	StatusUnsupported     Status = -23
	StatusBadLength       Status = -24
	StatusNotReady        Status = -25
	StatusNotPermitted    Status = -26
	StatusNoMemory        Status = -27
	StatusAssociated      Status = -28
	StatusNotFound        Status = -30
	StatusNoDevice        Status = -40
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusBadArg:
		return "BADARG"
	case StatusBadOption:
		return "BADOPTION"
	case StatusNotUp:
		return "NOTUP"
	case StatusNotDown:
		return "NOTDOWN"
	case StatusNotAP:
		return "NOTAP"
	case StatusNotSTA:
		return "NOTSTA"
	case StatusBadKeyIndex:
		return "BADKEYIDX"
	case StatusRadioOff:
		return "RADIOOFF"
	case StatusBufferTooShort:
		return "BUFTOOSHORT"
	case StatusBufferTooLong:
		return "BUFTOOLONG"
	case StatusBusy:
		return "BUSY"
	case StatusNotAssociated:
		return "NOTASSOCIATED"
	case StatusBadSSIDLen:
		return "BADSSIDLEN"
	case StatusOutOfRangeChan:
		return "OUTOFRANGECHAN"
	case StatusBadChan:
		return "BADCHAN"
	case StatusBadAddr:
		return "BADADDR"
	case StatusNoResource:
		return "NORESOURCE"
	case StatusUnsupported:
		return "UNSUPPORTED"
	case StatusBadLength:
		return "BADLEN"
	case StatusNotReady:
		return "NOTREADY"
	case StatusNotPermitted:
		return "EPERM"
	case StatusNoMemory:
		return "NOMEM"
	case StatusAssociated:
		return "ASSOCIATED"
	case StatusNotFound:
		return "NOTFOUND"
	case StatusNoDevice:
		return "NODEVICE"
	}
	return "STATUS(" + itoaSigned(int32(s)) + ")"
}

func itoaSigned(v int32) string {
	if v < 0 {
		return "-" + itoa(uint32(-v))
	}
	return itoa(uint32(v))
}

// FirmwareError is a firmware-reported failure for a specific command or
// IOVAR. It is distinct from transport errors such as a bus timeout.
type FirmwareError struct {
	Cmd    Cmd
	Name   string // IOVAR name, empty for fixed-opcode commands.
	Status Status
}

func (e *FirmwareError) Error() string {
	if e.Name != "" {
		return "fwil: iovar " + e.Name + ": firmware status " + e.Status.String()
	}
	return "fwil: cmd " + e.Cmd.String() + ": firmware status " + e.Status.String()
}

// IsUnsupported reports whether err is a firmware "unsupported" status.
// Callers use it to treat missing optional features on older firmware as a
// soft failure instead of a hard fault.
func IsUnsupported(err error) bool {
	var fe *FirmwareError
	return errors.As(err, &fe) && fe.Status == StatusUnsupported
}

// IsFirmwareError reports whether err is firmware-reported (as opposed to a
// transport failure) and returns the status when it is.
func IsFirmwareError(err error) (Status, bool) {
	var fe *FirmwareError
	if errors.As(err, &fe) {
		return fe.Status, true
	}
	return StatusOK, false
}
