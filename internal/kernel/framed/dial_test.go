package framed

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDialVsockUDSHandshake(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "v.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	gotPort := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		gotPort <- strings.TrimSpace(line)
		// The OK line and the first frame bytes arrive in one write.
		conn.Write([]byte("OK 1073741824\nX"))
		time.Sleep(50 * time.Millisecond)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, reader, err := dialTarget(ctx, Target{Scheme: SchemeFCVsock, Address: sock, Port: 5252}, 1)
	if err != nil {
		t.Fatalf("dialTarget: %v", err)
	}
	defer conn.Close()

	if line := <-gotPort; line != "CONNECT 5252" {
		t.Errorf("handshake = %q, want CONNECT 5252", line)
	}
	b := make([]byte, 1)
	if _, err := reader.Read(b); err != nil || b[0] != 'X' {
		t.Errorf("read after handshake = %q, %v; want buffered X", b, err)
	}
}

func TestDialVsockUDSRejected(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "v.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			bufio.NewReader(conn).ReadString('\n')
			conn.Write([]byte("FAILURE\n"))
			conn.Close()
		}
	}()

	_, _, err = dialTarget(context.Background(), Target{Scheme: SchemeFCVsock, Address: sock, Port: 1}, 2)
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("dialTarget error = %v, want retry exhaustion", err)
	}
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := dialTarget(ctx, Target{Scheme: SchemeUnix, Address: "/nonexistent.sock"}, 3)
	if err == nil || !strings.Contains(err.Error(), "context canceled") {
		t.Errorf("dialTarget error = %v, want context canceled", err)
	}
}
