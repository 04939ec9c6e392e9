// Package motesession implements C5, the mesh mote session manager: it
// brings the mesh radio module up, drives it through the join sequence
// (set join duty cycle, open socket, bind socket, join), tracks the radio's
// reported connectivity state, and submits application payloads for
// transmit. It is grounded on the original firmware's mote.c, preserving
// that implementation's command/reply/notification dispatch and its "at
// most one command in flight" invariant (spec §4.5, §9).
package motesession

import (
	"fmt"
	"time"

	"github.com/iotechnics/rfid-sb-firmware/clock"
	"github.com/iotechnics/rfid-sb-firmware/hostio"
	"github.com/iotechnics/rfid-sb-firmware/meshsdk"
	"github.com/iotechnics/rfid-sb-firmware/uartring"
)

// SendStatus is the outcome of the most recently submitted SendData call.
type SendStatus int

const (
	SendSuccess SendStatus = iota
	SendFailed
	SendInProgress
)

const (
	appPort          = meshsdk.AppPort
	cmdSpacing       = 1000 // ms, matches the original's "scheduled = now + 1000"
	replyTimeout     = 1000 // ms, matches the original's "timeout = now + 1000"
	resetPulse       = 500 * time.Millisecond
	maxJoinDutyCycle = 255
)

// Session owns the mesh radio's bring-up, join sequence, and send
// lifecycle. It has one pending-command slot and one reply-handler slot,
// and runCmd clears the reply handler before issuing the next command, so
// at most one command awaits a reply at a time, matching the original
// firmware's single static moteCmd /
// moteReplyHandler pair (spec §9, "replace C-style function pointer
// dispatch with a single owning struct and closure").
type Session struct {
	radio    meshsdk.Radio
	resetPin hostio.Pin
	flowCtrl hostio.Pin
	timeSync hostio.Pin
	ring     *uartring.Ring
	clock    clock.Clock

	state State

	socketID byte

	pendingCmd   func() error
	cmdScheduled uint32
	cmdTimeout   uint32
	replyHandler func(cmd meshsdk.CmdID, rc meshsdk.ReturnCode, reply interface{}) error

	sendStatus SendStatus
	packetID   uint16

	log func(format string, args ...interface{})
}

// State mirrors meshsdk.State under the name this package's callers use.
type State = meshsdk.State

const (
	StateInit        = meshsdk.StateInit
	StateIdle        = meshsdk.StateIdle
	StateSearching   = meshsdk.StateSearching
	StateNegotiating = meshsdk.StateNegotiating
	StateConnected   = meshsdk.StateConnected
	StateOperational = meshsdk.StateOperational
)

// New constructs a Session. resetPin, flowCtrl, and timeSync correspond to
// the GPIO map's mote reset, flow-control-disable, and time-sync pins.
func New(radio meshsdk.Radio, resetPin, flowCtrl, timeSync hostio.Pin, ring *uartring.Ring, c clock.Clock, logf func(string, ...interface{})) *Session {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Session{
		radio:      radio,
		resetPin:   resetPin,
		flowCtrl:   flowCtrl,
		timeSync:   timeSync,
		ring:       ring,
		clock:      c,
		state:      StateInit,
		sendStatus: SendSuccess,
		log:        logf,
	}
}

// Init brings the mesh module up: a hard reset pulse, disabling hardware
// flow control, asserting the time-sync line, registering the SDK's
// callbacks, and draining whatever bytes arrived during reset before the
// SDK was listening (spec §4.5, mote_init / mote_hardReset).
func (s *Session) Init() error {
	if err := s.hardReset(); err != nil {
		return err
	}

	if err := s.flowCtrl.Set(hostio.Low); err != nil {
		return fmt.Errorf("motesession: disable flow control: %w", err)
	}
	if err := s.timeSync.Set(hostio.High); err != nil {
		return fmt.Errorf("motesession: assert time sync: %w", err)
	}

	if err := s.radio.Init(s.ring, s.onEvents, s.onReply, s.onTxDone); err != nil {
		return fmt.Errorf("motesession: radio init: %w", err)
	}

	// Skip the reset notification: discard whatever arrived before the
	// SDK was registered to parse it.
	s.ring.Drain(func(byte) {})

	return nil
}

func (s *Session) hardReset() error {
	if err := s.resetPin.Set(hostio.High); err != nil {
		return fmt.Errorf("motesession: reset pin high: %w", err)
	}
	s.clock.Sleep(resetPulse)
	if err := s.resetPin.Set(hostio.Low); err != nil {
		return fmt.Errorf("motesession: reset pin low: %w", err)
	}
	s.clock.Sleep(resetPulse)
	if err := s.resetPin.Set(hostio.High); err != nil {
		return fmt.Errorf("motesession: reset pin high: %w", err)
	}
	s.clock.Sleep(resetPulse)
	return nil
}

// scheduleCmd queues cmd to run once runCmd next observes it due.
func (s *Session) scheduleCmd(cmd func() error) {
	s.cmdScheduled = s.clock.Now() + cmdSpacing
	s.pendingCmd = cmd
}

// setReplyHandler installs the handler for the next reply and clears any
// pending timeout, matching mote_setReplyHandler.
func (s *Session) setReplyHandler(h func(cmd meshsdk.CmdID, rc meshsdk.ReturnCode, reply interface{}) error) {
	s.cmdTimeout = 0
	s.replyHandler = h
}

// runCmd executes the scheduled command once due. The comparison below is
// the original firmware's literal condition, preserved verbatim rather
// than corrected: mote_runCmd in mote.c reads
// "_moteCmdScheduled > timer_getTicks()", not "<=" as the description in
// prose would suggest (spec §9 open question, flagged for review).
func (s *Session) runCmd() error {
	if s.pendingCmd == nil || s.cmdScheduled == 0 || s.cmdScheduled <= s.clock.Now() {
		return nil
	}
	cmd := s.pendingCmd
	s.pendingCmd = nil
	s.replyHandler = nil
	s.cmdScheduled = 0
	// The command installs its reply handler, which clears the timeout, so
	// the reply window is armed only after the command has been issued.
	err := cmd()
	s.cmdTimeout = s.clock.Now() + replyTimeout
	return err
}

// onEvents implements meshsdk.NotifFunc. A transition to IDLE cancels any
// in-flight send and, if the mote was not already idle, restarts the join
// sequence from the top (spec §4.5).
func (s *Session) onEvents(n meshsdk.EventsNotification) {
	if n.State == StateIdle {
		s.sendStatus = SendFailed
		_ = s.radio.CancelTx()

		if s.state != n.State {
			s.replyHandler = nil
			s.beginJoin()
		}
	}
	s.state = n.State
}

// onTxDone implements meshsdk.TxDoneFunc.
func (s *Session) onTxDone(n meshsdk.TxDoneNotification) {
	if n.PacketID != s.packetID {
		s.sendStatus = SendFailed
		return
	}
	if n.Dropped {
		s.sendStatus = SendFailed
		return
	}
	s.sendStatus = SendSuccess
}

// onReply implements meshsdk.ReplyFunc: it resets the command timeout and
// dispatches to the single handler registered for the current command,
// matching dn_ipmt_reply_cb's "call the current reply handler" behavior.
func (s *Session) onReply(cmd meshsdk.CmdID, rc meshsdk.ReturnCode, reply interface{}) {
	s.cmdTimeout = 0
	if s.replyHandler == nil {
		return
	}
	h := s.replyHandler
	if err := h(cmd, rc, reply); err != nil {
		s.log("motesession: reply handler for %v: %v", cmd, err)
	}
}

// beginJoin starts the join sequence: set join duty cycle to maximum,
// open a socket, bind it to the application port, then join. Each step's
// submission and reply are treated as setup-time contract violations on
// failure (matching the original's ASSERT_RESULT around every
// dn_ipmt_* call in this sequence) and panic rather than degrade, per
// the fatal "setup/assert failure" policy.
func (s *Session) beginJoin() {
	s.setReplyHandler(s.onSetJoinDutyCycleReply)
	if err := s.radio.SetJoinDutyCycle(maxJoinDutyCycle); err != nil {
		panic(fmt.Sprintf("motesession: set join duty cycle: %v", err))
	}
}

func (s *Session) onSetJoinDutyCycleReply(cmd meshsdk.CmdID, rc meshsdk.ReturnCode, reply interface{}) error {
	if rc != meshsdk.RCOK {
		panic(fmt.Sprintf("motesession: set join duty cycle: rc=%v", rc))
	}
	s.scheduleCmd(s.openSocket)
	return nil
}

func (s *Session) openSocket() error {
	s.setReplyHandler(s.onOpenSocketReply)
	if err := s.radio.OpenSocket(); err != nil {
		panic(fmt.Sprintf("motesession: open socket: %v", err))
	}
	return nil
}

func (s *Session) onOpenSocketReply(cmd meshsdk.CmdID, rc meshsdk.ReturnCode, reply interface{}) error {
	if rc != meshsdk.RCOK {
		panic(fmt.Sprintf("motesession: open socket: rc=%v", rc))
	}
	r, ok := reply.(*meshsdk.OpenSocketReply)
	if !ok {
		panic(fmt.Sprintf("motesession: open socket: unexpected reply type %T", reply))
	}
	s.socketID = r.SocketID
	s.scheduleCmd(s.bindSocket)
	return nil
}

func (s *Session) bindSocket() error {
	s.setReplyHandler(s.onBindSocketReply)
	if err := s.radio.BindSocket(s.socketID, appPort); err != nil {
		panic(fmt.Sprintf("motesession: bind socket: %v", err))
	}
	return nil
}

func (s *Session) onBindSocketReply(cmd meshsdk.CmdID, rc meshsdk.ReturnCode, reply interface{}) error {
	if rc != meshsdk.RCOK {
		panic(fmt.Sprintf("motesession: bind socket: rc=%v", rc))
	}
	s.scheduleCmd(s.join)
	return nil
}

func (s *Session) join() error {
	s.setReplyHandler(s.onJoinReply)
	if err := s.radio.Join(); err != nil {
		panic(fmt.Sprintf("motesession: join: %v", err))
	}
	return nil
}

func (s *Session) onJoinReply(cmd meshsdk.CmdID, rc meshsdk.ReturnCode, reply interface{}) error {
	if rc != meshsdk.RCOK {
		panic(fmt.Sprintf("motesession: join: rc=%v", rc))
	}
	return nil
}

// State returns the mote's last reported connectivity state.
func (s *Session) State() State {
	return s.state
}

// IsOperational reports whether the mote has completed the join sequence
// and is ready to send application data.
func (s *Session) IsOperational() bool {
	return s.state == StateOperational
}

// SendStatus returns the outcome of the most recently submitted send.
func (s *Session) SendStatus() SendStatus {
	return s.sendStatus
}

// SendData submits payload to the mesh manager. It returns false without
// submitting if the mote is not operational or a send is already in
// progress, matching mote_sendData's preconditions. The packet
// correlator advances modulo 255, not 256 (spec §9, preserved verbatim).
func (s *Session) SendData(payload []byte) (bool, error) {
	if s.state != StateOperational || s.sendStatus == SendInProgress {
		return false, nil
	}

	s.sendStatus = SendInProgress
	s.packetID = (s.packetID + 1) % 255

	s.setReplyHandler(s.onSendDataReply)
	if err := s.radio.SendTo(s.socketID, meshsdk.ManagerAddress, appPort, 0x00, 0x01, s.packetID, payload); err != nil {
		s.sendStatus = SendFailed
		return false, err
	}
	return true, nil
}

func (s *Session) onSendDataReply(cmd meshsdk.CmdID, rc meshsdk.ReturnCode, reply interface{}) error {
	if rc != meshsdk.RCOK {
		s.sendStatus = SendFailed
	}
	return nil
}

// DoEvents pumps one iteration of the mote session: it drains and parses
// any pending UART bytes, runs the scheduled command if one is due, and
// applies the command timeout policy. The timeout comparison below is,
// like runCmd's, the original's literal condition ("_moteCmdTimeout >
// timer_getTicks()") rather than the "expired" sense the prose
// description implies (spec §9).
func (s *Session) DoEvents() error {
	if err := s.radio.Receive(); err != nil {
		return err
	}
	if err := s.runCmd(); err != nil {
		s.log("motesession: run command: %v", err)
	}
	if s.cmdTimeout != 0 && s.cmdTimeout > s.clock.Now() {
		s.state = StateIdle
	}
	return nil
}
