// Package hostio adapts github.com/kidoman/embd's digital GPIO pins to the
// small GPIO port this firmware's core packages need: enable/reset-style
// output pins (no input pins are provided). It is the Go-host analogue of the
// board-level pin multiplexing spec §1 names as out of scope — board pinmux
// itself is configuration, but *some* GPIO port has to exist for the core
// to drive reset/enable/flow-control/time-sync/LED lines, and this package
// is that port, adapted from the teacher's devices.GPIO shim (shim.go).
package hostio

import (
	"fmt"

	"github.com/kidoman/embd"
)

// Level is a logical GPIO level.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

// Pin is an output-capable GPIO line: the RFID enable pin, the mote reset
// pin, the flow-control-disable pin, the time-sync pin, and each status
// LED all satisfy this interface.
type Pin interface {
	Set(level Level) error
	Close() error
}

// embdPin adapts an embd.DigitalPin to Pin.
type embdPin struct {
	p embd.DigitalPin
}

// NewPin opens a named GPIO pin (board-specific naming is embd's concern)
// and configures it as an output.
func NewPin(name string) (Pin, error) {
	p, err := embd.NewDigitalPin(name)
	if err != nil {
		return nil, fmt.Errorf("hostio: open pin %s: %w", name, err)
	}
	if err := p.SetDirection(embd.Out); err != nil {
		return nil, fmt.Errorf("hostio: set direction on pin %s: %w", name, err)
	}
	return &embdPin{p: p}, nil
}

func (g *embdPin) Set(level Level) error {
	return g.p.Write(int(level))
}

func (g *embdPin) Close() error {
	return g.p.Close()
}
