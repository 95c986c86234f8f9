package serialmux

import (
	"errors"
	"io"
	"testing"
	"time"
)

func TestTestableSerialPort_ReadWrite(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("hello\n"))

	buf := make([]byte, 16)
	n, err := port.Read(buf)
	if err != nil || string(buf[:n]) != "hello\n" {
		t.Fatalf("Read() = %q, %v", buf[:n], err)
	}

	if _, err := port.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("empty buffer should read as EOF, got %v", err)
	}

	if _, err := port.Write([]byte("1\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if string(port.GetWrittenData()) != "1\n" {
		t.Errorf("written = %q", port.GetWrittenData())
	}

	if err := port.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := port.Write([]byte("x")); err == nil {
		t.Error("Write after Close should fail")
	}
	if port.ReadCalls != 2 || port.WriteCalls != 2 {
		t.Errorf("calls = %d reads / %d writes", port.ReadCalls, port.WriteCalls)
	}
}

func TestFakeController_BannerAndReply(t *testing.T) {
	ctrl := NewFakeController(StructuredResponder())

	p, err := ctrl.Open("fake", PortOptions{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	port := p.(TimeoutSerialPorter)
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	n, _ := port.Read(buf)
	if string(buf[:n]) != "Arduino Ready\n" {
		t.Errorf("banner = %q", buf[:n])
	}

	if _, err := port.Write([]byte("1\n")); err != nil {
		t.Fatal(err)
	}
	n, _ = port.Read(buf)
	if string(buf[:n]) != "{\"bin_id\":102}\n" {
		t.Errorf("reply = %q", buf[:n])
	}

	// nothing else pending: a read waits out the timeout and returns (0, nil)
	n, err = port.Read(buf)
	if n != 0 || err != nil {
		t.Errorf("idle Read() = %d, %v", n, err)
	}

	if ctrl.Active() != 1 {
		t.Errorf("Active() = %d, want 1", ctrl.Active())
	}
	port.Close()
	port.Close()
	if ctrl.Active() != 0 {
		t.Errorf("Active() after close = %d, want 0", ctrl.Active())
	}
	if got := ctrl.Commands(); len(got) != 1 || got[0] != "1" {
		t.Errorf("Commands() = %v", got)
	}
}

func TestFakeController_OpenError(t *testing.T) {
	ctrl := NewFakeController(AckResponder())
	ctrl.OpenError = errors.New("no such device")
	if _, err := ctrl.Open("fake", PortOptions{}); err == nil {
		t.Error("expected open error")
	}
	if ctrl.Opens() != 0 {
		t.Errorf("Opens() = %d", ctrl.Opens())
	}
}

func TestResponders(t *testing.T) {
	s := StructuredResponder()
	if got := s("0"); got != `{"bin_id":101}` {
		t.Errorf("structured(0) = %q", got)
	}
	if got := s("7"); got != `{"error":"unknown command"}` {
		t.Errorf("structured(7) = %q", got)
	}

	a := AckResponder()
	if got := a("103"); got != "OK" {
		t.Errorf("ack(103) = %q", got)
	}
	if got := a("nope"); got != "ERR" {
		t.Errorf("ack(nope) = %q", got)
	}
}
