package fullmac

import (
	"log/slog"
	"time"
)

// Feature bits for Config.FeatureDisableMask.
const (
	// FeatureSAE gates the external WPA3-SAE exchange.
	FeatureSAE uint32 = 1 << iota
	// FeatureMFP gates management frame protection configuration.
	FeatureMFP
)

// Config carries every tunable of a Device. There are no process-wide
// knobs: two radios in one process may run different configurations.
type Config struct {
	Logger *slog.Logger

	// CountryCode is the 2-letter regulatory code programmed at bring-up.
	CountryCode string
	// RoamOff disables firmware-internal roaming so the host stays in
	// control of the association.
	RoamOff bool
	// FeatureDisableMask turns off optional features (Feature* bits).
	FeatureDisableMask uint32
	// IgnoreProbeFail keeps a join attempt alive through probe failures.
	IgnoreProbeFail bool

	// ScanTimeout bounds a scan session when firmware never sends a
	// terminal escan event.
	ScanTimeout time.Duration
	// ConnectTimeout bounds the whole join/auth/assoc sequence.
	ConnectTimeout time.Duration
	// DisconnectTimeout bounds the wait for firmware's link-down event
	// after a disassociate command.
	DisconnectTimeout time.Duration
	// APStartTimeout bounds the wait for the AP-started event.
	APStartTimeout time.Duration
	// SignalReportInterval is the link quality polling period while
	// connected. Zero disables polling.
	SignalReportInterval time.Duration
	// DisconnectGateWait bounds how long a connect request waits for a
	// still-completing disconnect on the same interface.
	DisconnectGateWait time.Duration

	// EventQueueDepth bounds the event/EAPOL FIFO.
	EventQueueDepth int
	// SyncDispatch runs event handlers inline instead of on the worker.
	// Only for simulated transports; observable ordering is unchanged.
	SyncDispatch bool
}

// DefaultConfig returns the timer defaults used on real hardware.
func DefaultConfig() Config {
	return Config{
		CountryCode:          "XX",
		RoamOff:              true,
		ScanTimeout:          30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		DisconnectTimeout:    3 * time.Second,
		APStartTimeout:       5 * time.Second,
		SignalReportInterval: 5 * time.Second,
		DisconnectGateWait:   500 * time.Millisecond,
		EventQueueDepth:      64,
	}
}

func (c *Config) featureEnabled(bit uint32) bool { return c.FeatureDisableMask&bit == 0 }

func (c *Config) withDefaults() Config {
	def := DefaultConfig()
	out := *c
	if out.CountryCode == "" {
		out.CountryCode = def.CountryCode
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = def.ScanTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = def.ConnectTimeout
	}
	if out.DisconnectTimeout <= 0 {
		out.DisconnectTimeout = def.DisconnectTimeout
	}
	if out.APStartTimeout <= 0 {
		out.APStartTimeout = def.APStartTimeout
	}
	if out.DisconnectGateWait <= 0 {
		out.DisconnectGateWait = def.DisconnectGateWait
	}
	if out.EventQueueDepth <= 0 {
		out.EventQueueDepth = def.EventQueueDepth
	}
	return out
}
