// Package meshsdk models the boundary between this firmware's core and the
// mesh vendor SDK (spec §1, §6): the frame codec and low-level command/
// reply/notification protocol to the radio module are out of scope. This
// package defines the port the core provides (a UART byte sink/source) and
// the reply/notification shapes the SDK calls back with.
package meshsdk

import "github.com/iotechnics/rfid-sb-firmware/uartring"

// State is the radio's self-reported connectivity state (spec §3).
type State int

const (
	StateInit State = iota
	StateIdle
	StateSearching
	StateNegotiating
	StateConnected
	StateOperational
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIdle:
		return "IDLE"
	case StateSearching:
		return "SEARCHING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateOperational:
		return "OPERATIONAL"
	default:
		return "UNKNOWN"
	}
}

// ReturnCode is a command reply status code.
type ReturnCode int

// RCOK is the only non-error return code this firmware checks for (spec §4.5).
const RCOK ReturnCode = 0

// CmdID identifies which command a reply corresponds to.
type CmdID int

const (
	CmdSetJoinDutyCycle CmdID = iota
	CmdOpenSocket
	CmdBindSocket
	CmdJoin
	CmdSendTo
)

// EventsNotification is delivered whenever the radio's own join FSM
// transitions (spec §4.5: SEARCHING -> NEGOTIATING -> CONNECTED ->
// OPERATIONAL, or back to IDLE on loss/reset).
type EventsNotification struct {
	State State
}

// TxDoneNotification is delivered once asynchronously per send_data call,
// reporting the outcome of a previously submitted transmit.
type TxDoneNotification struct {
	PacketID uint16
	Dropped  bool
}

// OpenSocketReply carries the socket id assigned by the radio.
type OpenSocketReply struct {
	RC       ReturnCode
	SocketID byte
}

// NotifFunc delivers an asynchronous events notification.
type NotifFunc func(EventsNotification)

// TxDoneFunc delivers the asynchronous outcome of the in-flight send.
type TxDoneFunc func(TxDoneNotification)

// ReplyFunc delivers the synchronous reply to whichever command is
// currently pending. reply is one of *OpenSocketReply for CmdOpenSocket,
// or a bare ReturnCode for the other commands (SetJoinDutyCycle,
// BindSocket, Join, SendTo), which only ever need an RC check.
type ReplyFunc func(cmd CmdID, rc ReturnCode, reply interface{})

// Radio is the vendor mesh SDK's command surface, as consumed by
// motesession.Session. Each method submits one command frame over the
// wire and returns only a synchronous submission error (matching the
// original firmware's dn_err_t send-time failures); the actual RC comes
// later through the ReplyFunc registered in Init, and asynchronous state
// changes arrive through NotifFunc/TxDoneFunc.
type Radio interface {
	// Init performs SDK-level bring-up: binding the byte ring the SDK
	// parses incoming frames from, and registering the notification,
	// reply, and txDone callbacks.
	Init(ring *uartring.Ring, notif NotifFunc, reply ReplyFunc, txDone TxDoneFunc) error

	SetJoinDutyCycle(pct byte) error
	OpenSocket() error
	BindSocket(socketID byte, port uint16) error
	Join() error
	SendTo(socketID byte, addr [16]byte, port uint16, flags, priority byte, packetID uint16, payload []byte) error
	CancelTx() error

	// Receive drains and parses whatever bytes are currently available in
	// the ring, delivering any complete frames synchronously through the
	// callbacks registered in Init.
	Receive() error
}

// ManagerAddress is the well-known mesh-internal link-local multicast
// address of the network's coordinator, ff02::2 (spec §4.5, §6).
var ManagerAddress = [16]byte{0xff, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02}

// AppPort is the fixed application port the node binds/sends on (spec §3, §6).
const AppPort uint16 = 0xF0B8
