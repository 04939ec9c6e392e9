// Package scanloop implements C6, the top-level scan/report state machine:
// it waits for the mesh to come up, runs periodic RFID scan windows into a
// dedup set, and batches the set's contents into fixed-size mesh frames,
// retrying a failed frame unchanged until it lands. It is grounded on the
// original firmware's main.c event loop (setAppState/main's while(1) body).
package scanloop

import (
	"fmt"
	"time"

	"github.com/iotechnics/rfid-sb-firmware/clock"
	"github.com/iotechnics/rfid-sb-firmware/dedupset"
	"github.com/iotechnics/rfid-sb-firmware/meshsdk"
	"github.com/iotechnics/rfid-sb-firmware/motesession"
	"github.com/iotechnics/rfid-sb-firmware/rfidsession"
)

// AppState is the top-level scan/report state.
type AppState int

const (
	PendingMesh AppState = iota
	PendingRead
	Reading
	// PendingTx is declared for parity with the original firmware's app
	// state set but, as in main.c, no transition ever enters it: the
	// READING -> TRANSMITTING edge is direct.
	PendingTx
	Transmitting
)

func (s AppState) String() string {
	switch s {
	case PendingMesh:
		return "PENDING_MESH"
	case PendingRead:
		return "PENDING_READ"
	case Reading:
		return "READING"
	case PendingTx:
		return "PENDING_TX"
	case Transmitting:
		return "TRANSMITTING"
	default:
		return "UNKNOWN"
	}
}

const (
	moteMaxDataSize    = 90
	frameHeaderSize    = 5
	msgTypeNotif       = 0x01
	notifTypeTagUpdate = 0x01
)

// Options configures a Loop's timing and frame sizing.
type Options struct {
	EPCWidth int // bytes
	TIDWidth int // bytes

	ReadWindow       time.Duration // duration of each scan window
	ReadInterval     time.Duration // pacing between PENDING_READ and READING
	TransmitInterval time.Duration // back-off between transmit attempts
}

// Loop drives a scan window, dedup set, and mote session through the
// PENDING_MESH / PENDING_READ / READING / TRANSMITTING cycle (spec §4.6).
type Loop struct {
	rfid  *rfidsession.Session
	mote  *motesession.Session
	set   *dedupset.Set
	clock clock.Clock

	itemSize int
	maxItems int // K

	readWindow       time.Duration
	readInterval     time.Duration
	transmitInterval time.Duration

	state         AppState
	lastMoteState meshsdk.State
	nextTimeout   uint32

	iter *dedupset.Iterator

	txBuf    []byte
	txCount  int
	msgID    byte
	lastTxOK bool

	log func(format string, args ...interface{})
}

// New constructs a Loop. set is cleared and (re)populated by the loop
// itself on every READING entry; callers should not write to it directly.
func New(rfid *rfidsession.Session, mote *motesession.Session, set *dedupset.Set, c clock.Clock, opts Options, logf func(string, ...interface{})) *Loop {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	itemSize := opts.EPCWidth + opts.TIDWidth
	maxItems := 0
	if itemSize > 0 {
		maxItems = (moteMaxDataSize - frameHeaderSize) / itemSize
	}
	return &Loop{
		rfid:             rfid,
		mote:             mote,
		set:              set,
		clock:            c,
		itemSize:         itemSize,
		maxItems:         maxItems,
		readWindow:       opts.ReadWindow,
		readInterval:     opts.ReadInterval,
		transmitInterval: opts.TransmitInterval,
		state:            PendingMesh,
		lastMoteState:    meshsdk.StateInit,
		txBuf:            make([]byte, maxItems*itemSize),
		log:              logf,
	}
}

// State returns the current app state.
func (l *Loop) State() AppState {
	return l.state
}

// MaxBatchItems returns K, the most tags a single frame can carry.
func (l *Loop) MaxBatchItems() int {
	return l.maxItems
}

// Tick runs one iteration of the loop: it reacts to mote connectivity
// changes, then advances the current app state.
func (l *Loop) Tick() error {
	now := l.clock.Now()

	moteState := l.mote.State()
	if moteState != l.lastMoteState {
		if moteState == meshsdk.StateOperational {
			if err := l.setAppState(PendingRead, now); err != nil {
				return err
			}
		} else if err := l.setAppState(PendingMesh, now); err != nil {
			return err
		}
	}
	l.lastMoteState = moteState

	switch l.state {
	case PendingRead:
		if clock.Deadline(l.nextTimeout, now) {
			return l.setAppState(Reading, now)
		}
	case Reading:
		if clock.Deadline(l.nextTimeout, now) {
			return l.setAppState(Transmitting, now)
		}
		return l.rfid.ReadNext(l.set)
	case Transmitting:
		if clock.Deadline(l.nextTimeout, now) {
			if l.lastTxOK && l.mote.SendStatus() == motesession.SendSuccess {
				return l.sendNextBatch(now)
			}
			if l.mote.SendStatus() != motesession.SendInProgress {
				return l.retransmit(now)
			}
		}
	}
	return nil
}

// setAppState transitions the loop to newState, performing the same
// leave/enter side effects as main.c's setAppState.
func (l *Loop) setAppState(newState AppState, now uint32) error {
	if l.state == newState {
		return nil
	}

	if l.state == Reading {
		if err := l.rfid.StopRead(); err != nil {
			return fmt.Errorf("scanloop: stop read: %w", err)
		}
	}

	switch newState {
	case PendingRead:
		l.nextTimeout = now + uint32(l.readInterval.Milliseconds())
	case Reading:
		l.nextTimeout = now + uint32(l.readWindow.Milliseconds())
		l.set.Clear()
		if err := l.rfid.StartRead(); err != nil {
			return fmt.Errorf("scanloop: start read: %w", err)
		}
	case Transmitting:
		l.iter = l.set.Iterator()
		l.nextTimeout = now
		l.lastTxOK = true
	}

	l.state = newState
	return nil
}

// sendNextBatch drains up to K items from the dedup iterator and, if any
// were collected, frames and sends them. A batch of zero items ends the
// transmit phase. A configured K of zero can never carry a tag, so it
// skips collection entirely rather than emitting an empty frame (spec
// §4.6 edge case).
func (l *Loop) sendNextBatch(now uint32) error {
	if l.maxItems <= 0 {
		return l.setAppState(PendingRead, now)
	}

	l.txCount = 0
	for {
		item := l.iter.Next()
		if item == nil {
			break
		}
		copy(l.txBuf[l.txCount*l.itemSize:], item)
		l.txCount++
		if l.txCount >= l.maxItems {
			break
		}
	}

	if l.txCount == 0 {
		return l.setAppState(PendingRead, now)
	}

	l.msgID++
	ok, err := l.mote.SendData(l.buildFrame(l.msgID, l.txCount))
	if err != nil {
		l.log("scanloop: send data: %v", err)
	}
	l.lastTxOK = ok
	l.nextTimeout = now + uint32(l.transmitInterval.Milliseconds())
	return nil
}

// retransmit resubmits the last frame unchanged (spec §4.6 retry policy).
// When no frame has been built since the last batch ended (txCount is
// zero), there is nothing to retry and it collects the next batch instead,
// so an empty frame is never sent.
func (l *Loop) retransmit(now uint32) error {
	if l.txCount == 0 {
		return l.sendNextBatch(now)
	}
	ok, err := l.mote.SendData(l.buildFrame(l.msgID, l.txCount))
	if err != nil {
		l.log("scanloop: retransmit: %v", err)
	}
	l.lastTxOK = ok
	l.nextTimeout = now + uint32(l.transmitInterval.Milliseconds())
	return nil
}

// buildFrame lays out the 5-byte header plus count items from txBuf,
// exactly as main.c's sendRfidTagUpdate does.
func (l *Loop) buildFrame(msgID byte, count int) []byte {
	frame := make([]byte, frameHeaderSize+count*l.itemSize)
	frame[0] = msgID
	frame[1] = msgTypeNotif
	frame[2] = notifTypeTagUpdate
	frame[3] = byte(l.itemSize)
	frame[4] = byte(count)
	copy(frame[frameHeaderSize:], l.txBuf[:count*l.itemSize])
	return frame
}
