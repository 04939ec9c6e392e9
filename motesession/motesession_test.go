package motesession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotechnics/rfid-sb-firmware/clock"
	"github.com/iotechnics/rfid-sb-firmware/hostio"
	"github.com/iotechnics/rfid-sb-firmware/meshsdk"
	"github.com/iotechnics/rfid-sb-firmware/uartring"
)

// fakeRadio is a scriptable meshsdk.Radio: every submit call records the
// call and is satisfied by the test driving the corresponding reply
// through the captured callback.
type fakeRadio struct {
	notif  meshsdk.NotifFunc
	reply  meshsdk.ReplyFunc
	txDone meshsdk.TxDoneFunc

	setDutyCycleCalls int
	openSocketCalls   int
	bindSocketCalls   int
	joinCalls         int
	sendToCalls       int
	cancelTxCalls     int
	receiveCalls      int

	lastBoundSocketID byte
	lastBoundPort     uint16
	lastSendPacketID  uint16
	lastSendPayload   []byte

	// when set, the next matching submit call fails synchronously.
	failNextSubmit error
}

func (f *fakeRadio) Init(ring *uartring.Ring, notif meshsdk.NotifFunc, reply meshsdk.ReplyFunc, txDone meshsdk.TxDoneFunc) error {
	f.notif = notif
	f.reply = reply
	f.txDone = txDone
	return nil
}

func (f *fakeRadio) SetJoinDutyCycle(pct byte) error {
	f.setDutyCycleCalls++
	return f.takeFailure()
}

func (f *fakeRadio) OpenSocket() error {
	f.openSocketCalls++
	return f.takeFailure()
}

func (f *fakeRadio) BindSocket(socketID byte, port uint16) error {
	f.bindSocketCalls++
	f.lastBoundSocketID = socketID
	f.lastBoundPort = port
	return f.takeFailure()
}

func (f *fakeRadio) Join() error {
	f.joinCalls++
	return f.takeFailure()
}

func (f *fakeRadio) SendTo(socketID byte, addr [16]byte, port uint16, flags, priority byte, packetID uint16, payload []byte) error {
	f.sendToCalls++
	f.lastSendPacketID = packetID
	f.lastSendPayload = payload
	return f.takeFailure()
}

func (f *fakeRadio) CancelTx() error {
	f.cancelTxCalls++
	return nil
}

func (f *fakeRadio) Receive() error {
	f.receiveCalls++
	return nil
}

func (f *fakeRadio) takeFailure() error {
	err := f.failNextSubmit
	f.failNextSubmit = nil
	return err
}

func newTestSession(t *testing.T) (*Session, *fakeRadio, *clock.Fake) {
	t.Helper()
	radio := &fakeRadio{}
	resetPin := hostio.NewFakePin()
	flowCtrl := hostio.NewFakePin()
	timeSync := hostio.NewFakePin()
	ring := uartring.New()
	c := clock.NewFake()
	s := New(radio, resetPin, flowCtrl, timeSync, ring, c, nil)
	require.NoError(t, s.Init())
	return s, radio, c
}

// runUntilDue pumps one DoEvents call to run the currently scheduled
// command. The scheduling comparison this exercises is the original
// firmware's literal (and inverted) one: a command scheduled for
// "now + 1000" is already due the moment the clock has not yet reached
// that deadline, so no clock advance is needed here (spec §9).
func runUntilDue(s *Session, c *clock.Fake) {
	_ = s.DoEvents()
}

func TestInitResetsPinHighLowHigh(t *testing.T) {
	radio := &fakeRadio{}
	resetPin := hostio.NewFakePin()
	flowCtrl := hostio.NewFakePin()
	timeSync := hostio.NewFakePin()
	ring := uartring.New()
	c := clock.NewFake()
	s := New(radio, resetPin, flowCtrl, timeSync, ring, c, nil)
	require.NoError(t, s.Init())

	require.Len(t, resetPin.History, 3)
	assert.Equal(t, hostio.High, resetPin.History[0])
	assert.Equal(t, hostio.Low, resetPin.History[1])
	assert.Equal(t, hostio.High, resetPin.History[2])
	assert.Equal(t, []hostio.Level{hostio.Low}, flowCtrl.History)
	assert.Equal(t, []hostio.Level{hostio.High}, timeSync.History)
}

func TestInitDrainsResetNotificationBytes(t *testing.T) {
	radio := &fakeRadio{}
	resetPin := hostio.NewFakePin()
	flowCtrl := hostio.NewFakePin()
	timeSync := hostio.NewFakePin()
	ring := uartring.New()
	ring.PushByte(0xAA)
	ring.PushByte(0xBB)
	c := clock.NewFake()
	s := New(radio, resetPin, flowCtrl, timeSync, ring, c, nil)
	require.NoError(t, s.Init())
	assert.Equal(t, 0, ring.Pending())
}

func TestJoinHappyPathRunsEachCommandOnceAndOnlyOneAtATime(t *testing.T) {
	s, radio, c := newTestSession(t)

	// The first command of the join sequence submits directly from the
	// notification handler, not through the scheduled-command slot.
	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateIdle})
	assert.Equal(t, 1, radio.setDutyCycleCalls)
	assert.NotNil(t, s.replyHandler)

	// At most one command is ever in flight: a second notification while
	// the duty-cycle reply is still outstanding must not resubmit it.
	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateIdle})
	assert.Equal(t, 1, radio.setDutyCycleCalls)

	radio.reply(meshsdk.CmdSetJoinDutyCycle, meshsdk.RCOK, nil)
	assert.Equal(t, 0, radio.openSocketCalls, "open socket is scheduled, not yet due")

	runUntilDue(s, c)
	assert.Equal(t, 1, radio.openSocketCalls)

	radio.reply(meshsdk.CmdOpenSocket, meshsdk.RCOK, &meshsdk.OpenSocketReply{RC: meshsdk.RCOK, SocketID: 7})

	runUntilDue(s, c)
	assert.Equal(t, 1, radio.bindSocketCalls)
	assert.Equal(t, byte(7), radio.lastBoundSocketID)
	assert.Equal(t, meshsdk.AppPort, radio.lastBoundPort)

	radio.reply(meshsdk.CmdBindSocket, meshsdk.RCOK, nil)

	runUntilDue(s, c)
	assert.Equal(t, 1, radio.joinCalls)

	radio.reply(meshsdk.CmdJoin, meshsdk.RCOK, nil)

	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateOperational})
	assert.True(t, s.IsOperational())
}

func TestJoinDutyCycleFailureReplyPanics(t *testing.T) {
	s, radio, _ := newTestSession(t)
	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateIdle})
	assert.Panics(t, func() {
		radio.reply(meshsdk.CmdSetJoinDutyCycle, meshsdk.ReturnCode(1), nil)
	})
	_ = s
}

func TestIdleNotificationCancelsInFlightSendAndRestartsJoin(t *testing.T) {
	s, radio, c := newTestSession(t)
	driveToOperational(t, s, radio, c)

	ok, err := s.SendData([]byte{0x01, 0x02})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SendInProgress, s.SendStatus())

	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateIdle})
	assert.Equal(t, SendFailed, s.SendStatus())
	// One cancel from the IDLE notification that started driveToOperational,
	// one for this in-flight send.
	assert.Equal(t, 2, radio.cancelTxCalls)
	// Re-entering the join sequence from the top.
	assert.Equal(t, 2, radio.setDutyCycleCalls)
}

func TestSendDataRejectedWhenNotOperational(t *testing.T) {
	s, _, _ := newTestSession(t)
	ok, err := s.SendData([]byte{0x01})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendDataRejectedWhileInProgress(t *testing.T) {
	s, radio, c := newTestSession(t)
	driveToOperational(t, s, radio, c)

	ok, err := s.SendData([]byte{0x01})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SendData([]byte{0x02})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTxDoneSuccessMatchesPacketID(t *testing.T) {
	s, radio, c := newTestSession(t)
	driveToOperational(t, s, radio, c)

	_, err := s.SendData([]byte{0x01})
	require.NoError(t, err)
	sentID := radio.lastSendPacketID

	radio.txDone(meshsdk.TxDoneNotification{PacketID: sentID, Dropped: false})
	assert.Equal(t, SendSuccess, s.SendStatus())
}

func TestTxDoneMismatchedPacketIDFails(t *testing.T) {
	s, radio, c := newTestSession(t)
	driveToOperational(t, s, radio, c)

	_, err := s.SendData([]byte{0x01})
	require.NoError(t, err)

	radio.txDone(meshsdk.TxDoneNotification{PacketID: radio.lastSendPacketID + 1, Dropped: false})
	assert.Equal(t, SendFailed, s.SendStatus())
}

func TestTxDoneDroppedFails(t *testing.T) {
	s, radio, c := newTestSession(t)
	driveToOperational(t, s, radio, c)

	_, err := s.SendData([]byte{0x01})
	require.NoError(t, err)

	radio.txDone(meshsdk.TxDoneNotification{PacketID: radio.lastSendPacketID, Dropped: true})
	assert.Equal(t, SendFailed, s.SendStatus())
}

func TestPacketIDAdvancesModulo255(t *testing.T) {
	s, radio, c := newTestSession(t)
	driveToOperational(t, s, radio, c)

	var last uint16
	for i := 0; i < 260; i++ {
		_, err := s.SendData([]byte{0x01})
		require.NoError(t, err)
		last = radio.lastSendPacketID
		radio.txDone(meshsdk.TxDoneNotification{PacketID: last, Dropped: false})
	}
	// 260 increments of (id+1) % 255 starting from 0 lands on 260 % 255.
	assert.Equal(t, uint16(260%255), last)
}

func TestCommandTimeoutForcesIdleImmediately(t *testing.T) {
	// Preserves the original firmware's inverted timeout comparison: the
	// timeout is set to "now + 1000" when a command runs, so the very
	// next check in the same do_events pass already reads as expired and
	// forces the state back to IDLE (spec §9).
	s, radio, c := newTestSession(t)
	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateSearching})
	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateIdle})
	radio.reply(meshsdk.CmdSetJoinDutyCycle, meshsdk.RCOK, nil)

	runUntilDue(s, c)
	assert.Equal(t, 1, radio.openSocketCalls)
	require.NotZero(t, s.cmdTimeout)
	assert.Equal(t, meshsdk.StateIdle, s.State())
}

// driveToOperational runs the full join sequence to completion.
func driveToOperational(t *testing.T, s *Session, radio *fakeRadio, c *clock.Fake) {
	t.Helper()
	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateIdle})
	radio.reply(meshsdk.CmdSetJoinDutyCycle, meshsdk.RCOK, nil)
	runUntilDue(s, c)
	radio.reply(meshsdk.CmdOpenSocket, meshsdk.RCOK, &meshsdk.OpenSocketReply{RC: meshsdk.RCOK, SocketID: 3})
	runUntilDue(s, c)
	radio.reply(meshsdk.CmdBindSocket, meshsdk.RCOK, nil)
	runUntilDue(s, c)
	radio.reply(meshsdk.CmdJoin, meshsdk.RCOK, nil)
	radio.notif(meshsdk.EventsNotification{State: meshsdk.StateOperational})
	require.True(t, s.IsOperational())
}
