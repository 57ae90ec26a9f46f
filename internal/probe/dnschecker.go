package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/hamed0406/gefion/internal/domain"
)

// Resolution classes reported by the dns probe.
const (
	DNSResolves       = "RESOLVES"
	DNSNoARecord      = "NO_A_RECORD"
	DNSNXDomain       = "NXDOMAIN"
	DNSServfailOrTime = "SERVFAIL_or_TIMEOUT"
)

const defaultDNSTimeout = 3 * time.Second

// DNSChecker reports a host as available when it resolves to at least one
// A/AAAA record. Arguments: host (or url), timeout in seconds.
type DNSChecker struct {
	Resolver *net.Resolver
}

func NewDNSChecker() *DNSChecker {
	return &DNSChecker{Resolver: &net.Resolver{}}
}

func (d *DNSChecker) Check(ctx context.Context, args Args) (Result, error) {
	host := strings.TrimSpace(args.String("host", ""))
	if host == "" {
		host = hostOf(args.String("url", ""))
	}
	if host == "" || strings.Contains(host, "://") {
		return Result{}, fmt.Errorf("%w: dns probe needs a host", domain.ErrConfiguration)
	}

	ctx, cancel := context.WithTimeout(ctx, args.Seconds("timeout", defaultDNSTimeout))
	defer cancel()

	class := d.classify(ctx, host)
	if class == DNSResolves {
		return Result{Available: true}, nil
	}
	return Result{Available: false, Message: class}, nil
}

func (d *DNSChecker) classify(ctx context.Context, host string) string {
	ips, err := d.Resolver.LookupIP(ctx, "ip", host)
	if err == nil && len(ips) > 0 {
		return DNSResolves
	}

	class := ""
	var de *net.DNSError
	if err != nil && errors.As(err, &de) {
		switch {
		case de.IsNotFound:
			class = DNSNXDomain
		case de.IsTemporary || de.Timeout():
			class = DNSServfailOrTime
		}
	}

	// a delegated zone without address records is not NXDOMAIN
	if ns, nsErr := d.Resolver.LookupNS(ctx, host); nsErr == nil && len(ns) > 0 {
		return DNSNoARecord
	}
	if class == "" {
		if err != nil {
			return DNSServfailOrTime
		}
		return DNSNXDomain
	}
	return class
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return u.Hostname()
}
