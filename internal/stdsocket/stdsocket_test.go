package stdsocket

import (
	"os"
	"testing"
	"time"
)

func pipePair(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	return r, w
}

func TestRecvReturnsData(t *testing.T) {
	inR, inW := pipePair(t)
	outR, outW := pipePair(t)
	defer outR.Close()

	s := New(inR, outW)
	defer s.Close()

	go func() {
		inW.Write([]byte("hello"))
	}()

	got, err := s.Recv(32)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Recv = %q, want %q", got, "hello")
	}
}

func TestRecvEmptyOnClosedStdin(t *testing.T) {
	inR, inW := pipePair(t)
	outR, outW := pipePair(t)
	defer outR.Close()
	inW.Close()

	s := New(inR, outW)
	defer s.Close()

	got, err := s.Recv(32)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recv on closed stdin = %q, want empty", got)
	}
}

func TestRecvTimesOut(t *testing.T) {
	inR, inW := pipePair(t)
	defer inW.Close()
	outR, outW := pipePair(t)
	defer outR.Close()

	s := New(inR, outW)
	defer s.Close()
	s.SetTimeout(20 * time.Millisecond)

	_, err := s.Recv(32)
	if err == nil {
		t.Fatal("Recv did not time out")
	}
}

func TestSendOnClosedStdoutReturnsZero(t *testing.T) {
	inR, inW := pipePair(t)
	defer inW.Close()
	outR, outW := pipePair(t)
	outR.Close()
	outW.Close()

	s := New(inR, outW)

	n, err := s.Send([]byte("data"))
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if n != 0 {
		t.Errorf("Send on closed stdout = %d, want 0", n)
	}
}
