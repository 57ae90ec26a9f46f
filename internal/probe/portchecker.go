package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hamed0406/gefion/internal/domain"
)

const defaultPortTimeout = 5 * time.Second

// PortChecker reports whether a TCP connection to host:port can be opened.
type PortChecker struct {
	Dialer *net.Dialer
}

func NewPortChecker() *PortChecker {
	return &PortChecker{Dialer: &net.Dialer{}}
}

func (p *PortChecker) Check(ctx context.Context, args Args) (Result, error) {
	host := args.String("host", "")
	port := args.Int("port", 0)
	if host == "" || port <= 0 || port > 65535 {
		return Result{}, fmt.Errorf("%w: port probe needs host and port, got %q/%d", domain.ErrConfiguration, host, port)
	}

	ctx, cancel := context.WithTimeout(ctx, args.Seconds("timeout", defaultPortTimeout))
	defer cancel()

	conn, err := p.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrProbe, err)
	}
	_ = conn.Close()
	return Result{Available: true}, nil
}
