package ipc

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, int) {
	t.Helper()
	s := NewServer(NewInstanceID(), nil)
	require.NoError(t, s.Start(0))
	t.Cleanup(func() { s.Stop() })
	port := s.Addr().(*net.TCPAddr).Port
	return s, port
}

func waitForPendingConn(t *testing.T, s *Server) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.newConns) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestAcceptSendsHelloThenSnapshot(t *testing.T) {
	s, port := startTestServer(t)

	c, err := Dial(port, time.Second)
	require.NoError(t, err)
	defer c.Close()

	waitForPendingConn(t, s)
	admitted := s.Accept("1.0", Snapshot{})
	require.Equal(t, 1, admitted)

	hello, err := c.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, TypeHello, hello.Type)

	snap, err := c.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, TypeSnapshot, snap.Type)
}

func TestBroadcastDeliversToAllClients(t *testing.T) {
	s, port := startTestServer(t)

	c1, err := Dial(port, time.Second)
	require.NoError(t, err)
	defer c1.Close()
	c2, err := Dial(port, time.Second)
	require.NoError(t, err)
	defer c2.Close()

	require.Eventually(t, func() bool { return len(s.newConns) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, s.Accept("1.0", Snapshot{}))

	for _, c := range []*Client{c1, c2} {
		_, err := c.ReadRecord()
		require.NoError(t, err)
		_, err = c.ReadRecord()
		require.NoError(t, err)
	}

	rec := NewRecord(s.instanceID, TypeTaskSpawned)
	rec.TaskID = "f-abcde"
	s.Broadcast(rec)

	for _, c := range []*Client{c1, c2} {
		got, err := c.ReadRecord()
		require.NoError(t, err)
		require.Equal(t, "f-abcde", got.TaskID)
	}
}

func TestRecvCommandsAndRespond(t *testing.T) {
	s, port := startTestServer(t)

	c, err := Dial(port, time.Second)
	require.NoError(t, err)
	defer c.Close()

	waitForPendingConn(t, s)
	s.Accept("1.0", Snapshot{})
	_, err = c.ReadRecord()
	require.NoError(t, err)
	_, err = c.ReadRecord()
	require.NoError(t, err)

	cmd := NewRecord(NewInstanceID(), TypeStatus)
	cmd.RequestID = "req-1"
	require.NoError(t, c.SendCommand(cmd))

	var cmds []Command
	require.Eventually(t, func() bool {
		cmds = s.RecvCommands()
		return len(cmds) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, TypeStatus, cmds[0].Record.Type)
	resp := NewRecord(s.instanceID, TypeResponse)
	cmds[0].Respond(resp)

	got, err := c.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "req-1", got.RequestID)
}

func TestGetClientCountAndStop(t *testing.T) {
	s, port := startTestServer(t)

	c, err := Dial(port, time.Second)
	require.NoError(t, err)
	defer c.Close()

	waitForPendingConn(t, s)
	s.Accept("1.0", Snapshot{})
	require.Equal(t, 1, s.GetClientCount())

	require.NoError(t, s.Stop())
	require.Equal(t, 0, s.GetClientCount())
}

func TestStartFailsFastWhenPortInUse(t *testing.T) {
	s1, port := startTestServer(t)
	_ = s1

	s2 := NewServer(NewInstanceID(), nil)
	err := s2.Start(port)
	require.Error(t, err)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	s, port := startTestServer(t)

	addr := "127.0.0.1:" + strconv.Itoa(port)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	waitForPendingConn(t, s)
	s.Accept("1.0", Snapshot{})
	require.Equal(t, 1, s.GetClientCount())

	rec := NewRecord(s.instanceID, TypeLog)
	rec.Message = string(make([]byte, 4096))
	for i := 0; i < clientBacklog*4; i++ {
		s.Broadcast(rec)
	}

	require.Eventually(t, func() bool {
		return s.GetClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
