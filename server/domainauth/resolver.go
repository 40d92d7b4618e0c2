package domainauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/logger"
	"github.com/mjl-/adns"
)

var (
	ErrNotFound  = errors.New("no records found")
	ErrTemporary = errors.New("temporary DNS failure")
	ErrTimeout   = errors.New("DNS lookup timed out")
)

// Resolver performs the two record lookups the authenticator needs. TXT
// records are returned as their character-string segments.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([][]string, error)
}

// ADNSResolver resolves through github.com/mjl-/adns, which reports whether
// answers were DNSSEC-authenticated.
type ADNSResolver struct {
	resolver *adns.Resolver
}

// NewADNSResolver builds a resolver. When cfg.Nameserver is set all queries
// go to that server instead of the system configuration.
func NewADNSResolver(cfg config.DNSConfig) *ADNSResolver {
	r := &adns.Resolver{StrictErrors: true}
	if ns := strings.TrimSpace(cfg.Nameserver); ns != "" {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			ns = net.JoinHostPort(ns, "53")
		}
		r.PreferGo = true
		r.Dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, ns)
		}
	}
	return &ADNSResolver{resolver: r}
}

func absolute(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func (r *ADNSResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	records, result, err := r.resolver.LookupMX(ctx, absolute(name))
	if err != nil {
		return nil, mapError(ctx, err)
	}
	logger.Debug("DNS: lookup", "type", "mx", "name", name, "records", len(records), "authentic", result.Authentic)
	return records, nil
}

// LookupTXT returns one segment per record: adns already joins the
// character-strings of a record.
func (r *ADNSResolver) LookupTXT(ctx context.Context, name string) ([][]string, error) {
	records, result, err := r.resolver.LookupTXT(ctx, absolute(name))
	if err != nil {
		return nil, mapError(ctx, err)
	}
	logger.Debug("DNS: lookup", "type", "txt", "name", name, "records", len(records), "authentic", result.Authentic)
	out := make([][]string, 0, len(records))
	for _, rec := range records {
		out = append(out, []string{rec})
	}
	return out, nil
}

func mapError(ctx context.Context, err error) error {
	var dnsErr *adns.DNSError
	switch {
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &dnsErr) && dnsErr.IsTimeout, errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		return fmt.Errorf("%w: %s", ErrTemporary, dnsErr.Err)
	case errors.As(err, &dnsErr):
		return fmt.Errorf("%s", dnsErr.Err)
	default:
		return err
	}
}
