// testserver runs a fake SoS kernel on the framed transport for manual and
// end-to-end testing. Point sosmill at it with SOSMILL_KERNEL_ENDPOINT.
//
// Usage: go run ./cmd/testserver [-listen unix:///tmp/sos.sock]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/sosmill/internal/kernel"
	"github.com/seantiz/sosmill/internal/kernel/framed"
	"github.com/seantiz/sosmill/internal/kernel/kerneltest"
)

// slowEcho behaves like kerneltest.Echo but pauses before replying, so
// cancellation and live event streaming can be observed by hand.
func slowEcho(delay time.Duration) kerneltest.Responder {
	return func(req kernel.ExecuteRequest, e *kerneltest.Emitter) {
		time.Sleep(delay)
		kerneltest.Echo(req, e)
	}
}

func listen(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen("unix", path)
	case strings.HasPrefix(addr, "tcp://"):
		return net.Listen("tcp", strings.TrimPrefix(addr, "tcp://"))
	}
	return nil, fmt.Errorf("unsupported listen address %q", addr)
}

func main() {
	addr := flag.String("listen", "unix:///tmp/sosmill-kernel.sock", "Listen address, unix:// or tcp://.")
	delay := flag.Duration("delay", 0, "Pause before each execute reply.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ln, err := listen(*addr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var responder kerneltest.Responder = kerneltest.Echo
	if *delay > 0 {
		responder = slowEcho(*delay)
	}

	logger.Info("testserver: fake kernel listening", "addr", *addr, "delay", delay.String())
	if err := framed.Serve(ctx, ln, kerneltest.NewHandler(responder), logger); err != nil && ctx.Err() == nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("testserver: stopped")
}
