// Package serialport is the host-side byte transport feeding a uartring.Ring
// for each of the node's two serial peripherals (RFID reader, mesh radio).
// It is the Go-host stand-in for the "UART byte-level driver" spec §1 names
// as an external collaborator: the real firmware's transport is a vendor
// register-level UART peripheral with an RX-interrupt callback; on a host
// build the same role is played by a real OS serial port, opened with
// github.com/jacobsa/go-serial, with a goroutine standing in for the
// interrupt source.
package serialport

import (
	"io"
	"time"

	"github.com/iotechnics/rfid-sb-firmware/uartring"
	"github.com/jacobsa/go-serial/serial"
)

// Port is an open serial connection paired with the ring it feeds.
type Port struct {
	conn io.ReadWriteCloser
	ring *uartring.Ring
	stop chan struct{}
	done chan struct{}
}

// Options mirrors the handful of serial parameters this firmware's
// platform ports ever configure (baud only — see spec §6's
// modify_connection contract, "only baud updates implemented").
type Options struct {
	Device   string
	BaudRate uint
}

// Open opens the named serial device and starts a goroutine that stands in
// for the RX interrupt: every byte read from the port is pushed into ring
// via PushByte, exactly as the real ISR would.
func Open(opts Options, ring *uartring.Ring) (*Port, error) {
	conn, err := serial.Open(serial.OpenOptions{
		PortName:        opts.Device,
		BaudRate:        opts.BaudRate,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, err
	}
	p := &Port{
		conn: conn,
		ring: ring,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.pump()
	return p, nil
}

func (p *Port) pump() {
	defer close(p.done)
	buf := make([]byte, 64)
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		n, err := p.conn.Read(buf)
		for i := 0; i < n; i++ {
			p.ring.PushByte(buf[i])
		}
		if err != nil {
			return
		}
	}
}

// Transmit is the blocking submit-then-spin primitive spec §4.3 describes:
// the caller hands a buffer to the driver, which writes it and only
// returns once the OS confirms the write, standing in for the hardware
// "TX complete" predicate spin.
func (p *Port) Transmit(buf []byte) (int, error) {
	return p.conn.Write(buf)
}

// ModifyBaud reconfigures the baud rate. On most OS serial backends this
// requires closing and reopening with new options; jacobsa/go-serial does
// not expose a live reconfigure, so this stub exists to satisfy the
// platform port contract (spec §6) and is a no-op placeholder for hosts
// where dynamic baud change is not exercised (the node boots at a single,
// fixed baud rate in this spec's scope).
func (p *Port) ModifyBaud(baud uint) error {
	_ = baud
	return nil
}

// Close stops the RX pump and closes the underlying connection.
func (p *Port) Close() error {
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(time.Second):
	}
	return p.conn.Close()
}
