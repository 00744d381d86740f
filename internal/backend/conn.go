package backend

import (
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// connTarget is a parsed connection string. Supported schemes are udp://,
// tcp:// and serial://; the REST adapter additionally accepts http(s)://
// base URLs and handles those itself.
type connTarget struct {
	scheme string
	addr   string
	baud   int
}

const defaultBaud = 57600

func parseConnString(connString string) (connTarget, error) {
	parts := strings.SplitN(connString, "://", 2)
	if len(parts) != 2 || parts[1] == "" {
		return connTarget{}, errors.Errorf("malformed connection string %q", connString)
	}

	t := connTarget{scheme: parts[0], addr: parts[1]}
	switch t.scheme {
	case "udp", "tcp":
		if _, _, err := net.SplitHostPort(t.addr); err != nil {
			return connTarget{}, errors.Wrapf(err, "connection string %q", connString)
		}
	case "serial":
		t.baud = defaultBaud
		if i := strings.LastIndex(t.addr, ":"); i > 0 {
			baud, err := strconv.Atoi(t.addr[i+1:])
			if err != nil {
				return connTarget{}, errors.Errorf("bad baud rate in %q", connString)
			}
			t.baud = baud
			t.addr = t.addr[:i]
		}
	default:
		return connTarget{}, errors.Errorf("unsupported scheme %q", t.scheme)
	}
	return t, nil
}

// dial opens the byte transport for the frame-level adapter.
func (t connTarget) dial(timeout time.Duration) (io.ReadWriteCloser, error) {
	switch t.scheme {
	case "udp", "tcp":
		conn, err := net.DialTimeout(t.scheme, t.addr, timeout)
		if err != nil {
			return nil, errors.Wrapf(err, "dialing %s://%s", t.scheme, t.addr)
		}
		return conn, nil
	case "serial":
		port, err := serial.Open(t.addr, &serial.Mode{BaudRate: t.baud})
		if err != nil {
			return nil, errors.Wrapf(err, "opening serial port %s", t.addr)
		}
		return port, nil
	}
	return nil, errors.Errorf("unsupported scheme %q", t.scheme)
}
