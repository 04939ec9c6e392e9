// Package rfidsession implements C4, the RFID reader session: it drives the
// reader module through reset and configuration, starts and stops
// inventories, and funnels accepted tag reports into a caller-supplied
// dedup set. It is grounded on the original firmware's rfid.c.
package rfidsession

import (
	"fmt"
	"time"

	"github.com/iotechnics/rfid-sb-firmware/clock"
	"github.com/iotechnics/rfid-sb-firmware/dedupset"
	"github.com/iotechnics/rfid-sb-firmware/hostio"
	"github.com/iotechnics/rfid-sb-firmware/rfidsdk"
	"github.com/iotechnics/rfid-sb-firmware/serialport"
	"github.com/iotechnics/rfid-sb-firmware/uartring"
)

const (
	resetPulseDuration = 150 * time.Millisecond
	maxEPCWidth        = 64
	maxTIDWidth        = 64
	txPower            = 2300 // vendor units
)

// Options configures Setup.
type Options struct {
	EPCWidth int // bytes
	TIDWidth int // bytes, 0 disables tag-operation reads
}

// Session owns a Device and drives it through the lifecycle spec §4.4
// describes: setup, start_read, read_next, stop_read.
type Session struct {
	dev    rfidsdk.Device
	enable hostio.Pin
	port   *serialport.Port
	ring   *uartring.Ring
	clock  clock.Clock

	epcWidth int
	tidWidth int

	stopped   bool
	activeSet *dedupset.Set

	log func(format string, args ...interface{})
}

// New constructs a Session. enable is the RFID module's active-high enable
// pin (spec §6 GPIO map: PORT1 PIN 8). port and ring are the serial
// transport and byte ring Setup hands to the SDK as platform ports; port
// may be nil in tests that never exercise the transmit port.
func New(dev rfidsdk.Device, enable hostio.Pin, port *serialport.Port, ring *uartring.Ring, c clock.Clock, logf func(string, ...interface{})) *Session {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Session{dev: dev, enable: enable, port: port, ring: ring, clock: c, log: logf, stopped: true}
}

// Setup resets the reader module and configures it per opts. EPCWidth and
// TIDWidth must each be <= 64 bytes (spec §4.4); violating that is a
// setup-time contract violation and panics, matching the original
// firmware's ASSERT_RESULT halt-on-setup-failure policy (spec §7).
func (s *Session) Setup(opts Options) error {
	if opts.EPCWidth > maxEPCWidth {
		panic(fmt.Sprintf("rfidsession: epc width %d exceeds maximum %d", opts.EPCWidth, maxEPCWidth))
	}
	if opts.TIDWidth > maxTIDWidth {
		panic(fmt.Sprintf("rfidsession: tid width %d exceeds maximum %d", opts.TIDWidth, maxTIDWidth))
	}
	s.epcWidth = opts.EPCWidth
	s.tidWidth = opts.TIDWidth

	// Reset pulse: low for 150ms, then high for 150ms.
	if err := s.enable.Set(hostio.Low); err != nil {
		return fmt.Errorf("rfidsession: enable pin low: %w", err)
	}
	s.clock.Sleep(resetPulseDuration)
	if err := s.enable.Set(hostio.High); err != nil {
		return fmt.Errorf("rfidsession: enable pin high: %w", err)
	}
	s.clock.Sleep(resetPulseDuration)

	ports := rfidsdk.PlatformPorts{
		OpenPort:         func() error { return nil },
		ClosePort:        func() error { return nil },
		Transmit:         s.transmit,
		Receive:          s.receive,
		TimestampMs:      s.clock.Now,
		SleepMs:          s.clock.Sleep,
		ModifyConnection: s.modifyConnection,
		FlushPort:        func() error { return nil },
		ResetPin:         func(enable bool) error { return nil },
		WakeupPin:        func(enable bool) error { return nil },
	}
	if err := s.dev.Connect(ports, s); err != nil {
		return fmt.Errorf("rfidsession: connect: %w", err)
	}

	if err := s.dev.Configure(rfidsdk.Config{
		Region:  rfidsdk.RegionETSI,
		TXPower: txPower,
		RFMode:  rfidsdk.RFModeDenseReader,
	}); err != nil {
		return fmt.Errorf("rfidsession: configure: %w", err)
	}

	if s.tidWidth > 0 {
		if err := s.dev.EnableTagOperation(true, rfidsdk.MemBankTID, 0, s.tidWidth/2); err != nil {
			return fmt.Errorf("rfidsession: enable tag operation: %w", err)
		}
	} else {
		if err := s.dev.EnableTagOperation(false, rfidsdk.MemBankTID, 0, 0); err != nil {
			return fmt.Errorf("rfidsession: disable tag operation: %w", err)
		}
	}
	return nil
}

// transmit implements the SDK's transmit platform port by writing buf out
// the serial connection.
func (s *Session) transmit(buf []byte) (int, error) {
	return s.port.Transmit(buf)
}

// receive implements the SDK's receive platform port: it copies up to
// len(buf) bytes out of the ring, ignoring timeout. It always reports
// success, even when zero bytes were available — the original firmware's
// platform_receive_handler never returns a failure status, since an
// unsigned byte count can't go negative (spec §9, preserved verbatim).
func (s *Session) receive(buf []byte, timeout time.Duration) (int, error) {
	return s.ring.DrainInto(buf), nil
}

// modifyConnection implements the SDK's modify_connection platform port.
// Only baud rate changes are supported (spec §6); the underlying
// serialport.Port no-ops these on hosts that can't reconfigure a live
// connection.
func (s *Session) modifyConnection(baud uint) error {
	return s.port.ModifyBaud(baud)
}

// StartRead clears the active dedup target and stopped flag, then starts
// an inventory action.
func (s *Session) StartRead() error {
	s.activeSet = nil
	s.stopped = false
	return s.dev.Start(rfidsdk.ActionInventory)
}

// ReadNext installs set as the active dedup target and pumps one SDK
// receive step, which delivers any pending tag reports synchronously
// through OnTagOperationReport. It is a no-op if the inventory has
// already been stopped.
func (s *Session) ReadNext(set *dedupset.Set) error {
	if s.stopped {
		return nil
	}
	s.activeSet = set
	err := s.dev.Receive()
	s.activeSet = nil
	return err
}

// StopRead issues the stop action, unless the inventory has already ended
// on its own (via a StopReport).
func (s *Session) StopRead() error {
	if s.stopped {
		return nil
	}
	return s.dev.Stop(rfidsdk.ActionInventory)
}

// OnTagOperationReport implements rfidsdk.ReportSink. It accepts a tag iff
// it carries an EPC of exactly the configured width and, when a TID width
// is configured, tag-operation data of exactly that width from a read
// operation; accepted tags are written as EPC||TID and inserted into the
// active dedup set (spec §4.4).
func (s *Session) OnTagOperationReport(r *rfidsdk.TagOperationReport) error {
	if r.HasError {
		return r.Error
	}
	if s.activeSet == nil {
		return nil
	}

	hasEPC := r.HasEPC && len(r.EPC) == s.epcWidth
	hasTID := s.tidWidth == 0 ||
		(r.HasTagOperationType && r.TagOperationType == rfidsdk.TagOperationRead &&
			r.HasTagOperationData && len(r.TagOperationData) == s.tidWidth)

	if !hasEPC || !hasTID {
		return nil
	}

	key := make([]byte, s.epcWidth+s.tidWidth)
	copy(key, r.EPC)
	if s.tidWidth > 0 {
		copy(key[s.epcWidth:], r.TagOperationData)
	}

	result := s.activeSet.Insert(key)
	if result == dedupset.Full {
		// The dedup capacity and the scan-window duration are sized
		// together so this should not occur; treat it as fatal.
		panic("rfidsession: dedup set unexpectedly full")
	}
	return nil
}

// OnStopReport implements rfidsdk.ReportSink.
func (s *Session) OnStopReport(r *rfidsdk.StopReport) error {
	s.stopped = true
	return r.Err
}
