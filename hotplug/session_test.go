package hotplug

import (
	"net"
	"path/filepath"
	"testing"
	"time"
)

func helloPayload(major, minor uint16, features uint64) []byte {
	buf := make([]byte, 12)
	buf[0] = byte(major)
	buf[1] = byte(major >> 8)
	buf[2] = byte(minor)
	buf[3] = byte(minor >> 8)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(features >> (8 * i))
	}
	return buf
}

func dialAndHandshake(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial failed: %s", err)
	}
	if err := writeRequest(conn, RequestHeader{Op: OpHello}, helloPayload(ProtocolMajor, ProtocolMinor, 0)); err != nil {
		t.Fatalf("write hello failed: %s", err)
	}
	if _, _, err := readRequest(conn); err != nil {
		t.Fatalf("read session_restore failed: %s", err)
	}
	if err := writeRequest(conn, RequestHeader{Op: OpReady}, nil); err != nil {
		t.Fatalf("write ready failed: %s", err)
	}
	return conn
}

func TestSessionHandshakeReachesConnected(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hotplug.sock")
	s := NewSession(Config{SocketPath: sock, WaitTimeout: time.Second})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	defer s.Close()

	conn := dialAndHandshake(t, sock)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st, _ := s.Status(); st == StateConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached StateConnected")
}

func TestAwaitConnectedTimesOutWithNoPeer(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hotplug.sock")
	s := NewSession(Config{SocketPath: sock, WaitTimeout: 30 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	defer s.Close()

	if err := s.awaitConnected(); err != errTimeout {
		t.Errorf("awaitConnected with no peer = %v, want errTimeout", err)
	}
}

func TestCallRoundTripAfterHandshake(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hotplug.sock")
	s := NewSession(Config{SocketPath: sock, WaitTimeout: time.Second})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	defer s.Close()

	conn := dialAndHandshake(t, sock)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, payload, err := readRequest(conn)
		if err != nil {
			return
		}
		_ = payload
		writeResponse(conn, ResponseHeader{ReqID: 1, Result: ResultOK}, []byte{1, 2, 3, 4})
	}()

	rh, payload, err := s.call(OpGetattr, []byte{0, 0, 0, 1})
	if err != nil {
		t.Fatalf("call failed: %s", err)
	}
	if rh.Result != ResultOK || len(payload) != 4 {
		t.Errorf("call response = %+v payload=%v", rh, payload)
	}
	<-done
}
