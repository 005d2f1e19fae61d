package remote

import (
	"context"
	"net"
	"time"

	"github.com/BadgerOps/nightsync/internal/fault"
)

// DefaultProbeTimeout bounds the reachability probe when none is configured.
const DefaultProbeTimeout = 5 * time.Second

// Probe opens and closes a TCP connection to addr. Failure is reported as
// HostUnreachable.
func Probe(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fault.New(fault.HostUnreachable, "probe", addr, err)
	}
	return conn.Close()
}
