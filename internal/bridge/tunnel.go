package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
)

// PortBindError means the tunnel's listen port was unavailable. The port is
// bound before the child starts so a conflict is caught while nothing is
// attached to the device yet.
type PortBindError struct {
	Port int
	Err  error
}

func (e *PortBindError) Error() string {
	return fmt.Sprintf("cannot bind tunnel port %d: %v", e.Port, e.Err)
}

func (e *PortBindError) Unwrap() error { return e.Err }

// Tunnel bridges a child process speaking a byte protocol on stdio to a
// single TCP client. The payload is opaque; bytes are shuttled verbatim in
// both directions.
type Tunnel struct {
	// Port is the local TCP port to listen on.
	Port int
}

// Serve binds the port, starts cmd, accepts exactly one client, and relays
// bytes until either side closes. The child's stderr goes to the parent's
// stderr so device-side diagnostics stay visible. Serve returns when the
// relay ends; the child is killed if it outlives its stdout.
func (t *Tunnel) Serve(cmd *exec.Cmd) error {
	addr := fmt.Sprintf("127.0.0.1:%d", t.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return &PortBindError{Port: t.Port, Err: err}
	}
	defer listener.Close()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("child stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("child stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("child stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tunnel child: %w", err)
	}
	go func() {
		_, _ = io.Copy(os.Stderr, stderr)
	}()

	slog.Info("tunnel listening", "addr", addr)
	conn, err := listener.Accept()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("accept tunnel client: %w", err)
	}
	defer conn.Close()
	slog.Info("tunnel client connected", "remote", conn.RemoteAddr().String())

	// Client to child. Closing stdin tells the child the client went away.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_, err := io.Copy(stdin, conn)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("tunnel client read ended", "error", err)
		}
		_ = stdin.Close()
	}()

	// Child to client, in the caller's goroutine. EOF here means the child
	// hung up; kill it and reap.
	if _, err := io.Copy(conn, stdout); err != nil {
		slog.Debug("tunnel child read ended", "error", err)
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	conn.Close()
	<-writerDone
	slog.Info("tunnel closed")
	return nil
}
