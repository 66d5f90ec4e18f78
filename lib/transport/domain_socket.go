package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	socketAcceptTimeout = 5 * time.Second
	socketDialRetries   = 50
	socketDialBackoff   = 100 * time.Millisecond
)

// DomainSocket is a unix-domain-socket transport between two processes.
// The listen end accepts exactly one connection; the dial end retries until
// the socket file appears.
type DomainSocket struct {
	path     string
	isServer bool
	listener net.Listener
	conn     net.Conn
}

// DomainSocketArguments returns a matched pair of opaque arguments for the
// two ends of one socket link. The first argument names the listening end.
func DomainSocketArguments() ([]byte, []byte) {
	path := filepath.Join(os.TempDir(), "module-"+randomName()+".sock")
	return []byte("listen:" + path), []byte("dial:" + path)
}

// NewDomainSocket constructs one end of a socket link from its argument and
// blocks until the connection is established.
func NewDomainSocket(arg []byte) (*DomainSocket, error) {
	mode, path, ok := strings.Cut(string(arg), ":")
	if !ok {
		return nil, fmt.Errorf("malformed domain socket argument %q", arg)
	}

	switch mode {
	case "listen":
		return listenSocket(path)
	case "dial":
		return dialSocket(path)
	default:
		return nil, fmt.Errorf("malformed domain socket argument %q", arg)
	}
}

func listenSocket(path string) (*DomainSocket, error) {
	// A previous run may have left the socket file behind.
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	connCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case conn := <-connCh:
		return &DomainSocket{path: path, isServer: true, listener: listener, conn: conn}, nil
	case err := <-errCh:
		listener.Close()
		return nil, fmt.Errorf("failed to accept on %s: %w", path, err)
	case <-time.After(socketAcceptTimeout):
		listener.Close()
		return nil, fmt.Errorf("timed out waiting for peer on %s", path)
	}
}

func dialSocket(path string) (*DomainSocket, error) {
	for i := 0; i < socketDialRetries; i++ {
		if _, err := os.Stat(path); err == nil {
			break
		}
		time.Sleep(socketDialBackoff)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", path, err)
	}
	return &DomainSocket{path: path, conn: conn}, nil
}

// Split implements Transport.
func (d *DomainSocket) Split() (io.Reader, io.Writer) {
	return d.conn, d.conn
}

// Close implements Transport. The listening end removes the socket file.
func (d *DomainSocket) Close() error {
	var errs []error
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.listener != nil {
		if err := d.listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.isServer {
		os.Remove(d.path)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
