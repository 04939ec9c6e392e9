// Package statusleds implements C7, the three-LED status indicator: a
// 500ms blink toggle whose pattern encodes mesh join progress while the
// mote is not yet operational, and app activity once it is. It is
// grounded on the original firmware's main.c (setStateLeds, BLINK_INTERVAL).
package statusleds

import (
	"time"

	"github.com/iotechnics/rfid-sb-firmware/clock"
	"github.com/iotechnics/rfid-sb-firmware/hostio"
	"github.com/iotechnics/rfid-sb-firmware/meshsdk"
	"github.com/iotechnics/rfid-sb-firmware/scanloop"
)

const blinkInterval = 500 * time.Millisecond

// Driver owns the three status LEDs and the blink-toggle timing shared
// across every pattern.
type Driver struct {
	red, amber, green hostio.Pin
	clock             clock.Clock

	blinkTimeout uint32
	blinkState   bool
}

// New constructs a Driver. The blink toggle fires on the first Update call.
func New(red, amber, green hostio.Pin, c clock.Clock) *Driver {
	return &Driver{red: red, amber: amber, green: green, clock: c}
}

// Update sets the three LEDs from the current app state, mote state, and
// timestamp, matching setStateLeds. While the mesh is not yet operational
// (appState == PendingMesh) the pattern encodes moteState; once the mesh
// is up, green is held solid and appState adds an overlay.
func (d *Driver) Update(appState scanloop.AppState, moteState meshsdk.State, now uint32) error {
	if d.blinkTimeout <= now {
		d.blinkState = !d.blinkState
		d.blinkTimeout = now + uint32(blinkInterval.Milliseconds())
	}

	red, amber, green := false, false, false

	if appState == scanloop.PendingMesh {
		switch moteState {
		case meshsdk.StateIdle:
			red = d.blinkState
		case meshsdk.StateSearching:
			red = true
			amber = d.blinkState
		case meshsdk.StateNegotiating:
			amber = true
			green = d.blinkState
		case meshsdk.StateConnected:
			green = d.blinkState
		case meshsdk.StateOperational:
			green = true
		default:
			red = true
		}
	} else {
		green = true
		switch appState {
		case scanloop.Reading:
			red = true
		case scanloop.Transmitting:
			amber = true
		}
	}

	return d.set(red, amber, green)
}

func (d *Driver) set(red, amber, green bool) error {
	if err := d.setPin(d.red, red); err != nil {
		return err
	}
	if err := d.setPin(d.amber, amber); err != nil {
		return err
	}
	return d.setPin(d.green, green)
}

func (d *Driver) setPin(p hostio.Pin, on bool) error {
	level := hostio.Low
	if on {
		level = hostio.High
	}
	return p.Set(level)
}
