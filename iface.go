package fullmac

import (
	"sync"
	"sync/atomic"
	"time"
)

// Role is the logical function of an interface.
type Role uint8

const (
	RoleClient Role = iota
	RoleAP
	// RoleInternal covers firmware-managed helper interfaces (e.g. the
	// P2P device) that the host tracks but does not drive.
	RoleInternal
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleAP:
		return "ap"
	case RoleInternal:
		return "internal"
	}
	return "role?"
}

// ConnState is the primary client connection state. Connecting and
// Connected can never be observed together: they are values of one enum,
// not independent bits.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "state?"
}

// connTransitions is the full transition table. Anything absent is a bug in
// the caller, not a race to tolerate. The Disconnecting exits back to
// Connected/Connecting exist only for rolling back a disassociate command
// the firmware rejected synchronously.
var connTransitions = map[ConnState][]ConnState{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnecting, StateIdle},
	StateConnected:     {StateDisconnecting, StateIdle},
	StateDisconnecting: {StateIdle, StateConnected, StateConnecting},
}

// APState is the independent soft-AP machine.
type APState int32

const (
	APIdle APState = iota
	APStarting
	APUp
)

func (s APState) String() string {
	switch s {
	case APIdle:
		return "ap-idle"
	case APStarting:
		return "ap-starting"
	case APUp:
		return "ap-up"
	}
	return "ap-state?"
}

// Profile is the current association context of an interface. It is
// mutated only by the connection state machine. On disconnect everything
// is cleared except the BSSID, which must survive so a late firmware
// disassociation indication can still be correlated.
type Profile struct {
	BSSID        [6]byte
	SSID         []byte
	Security     SecurityConfig
	BeaconPeriod uint16
	// Keys are the configured key slots; WEP installs into these.
	Keys [maxKeySlots][]byte
}

func (p *Profile) clearKeepBSSID() {
	bssid := p.BSSID
	*p = Profile{BSSID: bssid}
}

// connStats is per-connection bookkeeping, reset when a connection ends.
type connStats struct {
	connectedAt   time.Time
	signalReports uint64
	lastRSSI      int16
}

// Interface is one logical radio role. The client interface occupies slot
// zero for the life of the Device; others come and go with IF events or
// host create/destroy requests.
type Interface struct {
	Index     uint8
	BSSCfgIdx uint8
	Role      Role
	MAC       [6]byte
	Name      string

	// ready gates all host requests. Clearing it tears the rest of the
	// per-interface state down with it.
	ready   atomic.Bool
	state   atomic.Int32 // ConnState
	saeAuth atomic.Bool  // overlaps StateConnecting only
	apState atomic.Int32 // APState

	mu             sync.Mutex
	profile        Profile
	pendingConnect *ConnectRequest
	disconnectDone chan struct{}
	stats          connStats

	connectTimer    *syncTimer
	disconnectTimer *syncTimer
	apStartTimer    *syncTimer
	signalTimer     *syncTimer
}

// State returns the current primary connection state.
func (ifc *Interface) State() ConnState { return ConnState(ifc.state.Load()) }

// APState returns the current soft-AP state.
func (ifc *Interface) APState() APState { return APState(ifc.apState.Load()) }

// Ready reports whether the interface accepts host requests.
func (ifc *Interface) Ready() bool { return ifc.ready.Load() }

// SaeAuthenticating reports whether the external SAE exchange is active.
func (ifc *Interface) SaeAuthenticating() bool { return ifc.saeAuth.Load() }

// transition atomically moves from -> to if the table allows it and the
// interface is still in from. Returns false when either check fails, which
// is how terminal paths guarantee exactly-once behavior.
func (ifc *Interface) transition(from, to ConnState) bool {
	allowed := false
	for _, t := range connTransitions[from] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	return ifc.state.CompareAndSwap(int32(from), int32(to))
}

func (ifc *Interface) apTransition(from, to APState) bool {
	return ifc.apState.CompareAndSwap(int32(from), int32(to))
}

// teardown drops readiness. Per the status invariants, losing Ready forces
// every dependent state clear.
func (ifc *Interface) teardown() {
	ifc.ready.Store(false)
	ifc.saeAuth.Store(false)
	ifc.state.Store(int32(StateIdle))
	ifc.apState.Store(int32(APIdle))
	if ifc.connectTimer != nil {
		ifc.connectTimer.Disarm()
	}
	if ifc.disconnectTimer != nil {
		ifc.disconnectTimer.Disarm()
	}
	if ifc.apStartTimer != nil {
		ifc.apStartTimer.Disarm()
	}
	if ifc.signalTimer != nil {
		ifc.signalTimer.Disarm()
	}
	ifc.mu.Lock()
	ifc.profile = Profile{}
	ifc.pendingConnect = nil
	if ifc.disconnectDone != nil {
		close(ifc.disconnectDone)
		ifc.disconnectDone = nil
	}
	ifc.mu.Unlock()
}

// ProfileSnapshot returns a copy of the association context.
func (ifc *Interface) ProfileSnapshot() Profile {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	p := ifc.profile
	p.SSID = append([]byte(nil), ifc.profile.SSID...)
	return p
}

const maxInterfaces = 8

// ifaceByIdx returns the registered interface for a firmware index, nil when
// unknown. Caller holds d.mu or runs on the event worker after the inline
// IF handler has installed the entry.
func (d *Device) ifaceByIdx(ifidx uint8) *Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(ifidx) >= len(d.ifaces) {
		return nil
	}
	return d.ifaces[ifidx]
}

// ClientInterface returns the always-present client interface.
func (d *Device) ClientInterface() *Interface { return d.ifaceByIdx(0) }
