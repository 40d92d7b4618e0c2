// Package domainauth checks the MX, SPF, DKIM and DMARC records that make a
// domain usable for sending and receiving mail.
package domainauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/pkg/metrics"
	"github.com/migadu/courier/server"
)

const (
	DefaultSelector      = "default"
	DefaultLookupTimeout = 5 * time.Second
)

var selectorRegex = regexp.MustCompile(`^(?i)[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)*$`)

// MXRecord is one mail exchanger of the checked domain.
type MXRecord struct {
	Host       string `json:"exchange"`
	Preference uint16 `json:"priority"`
}

// Report is the result of one check. A nil record means the lookup
// succeeded without a matching record, or failed; failures are listed in
// Errors as "MX: ...", "SPF: ...", "DMARC: ...", "DKIM: ..." in that order.
type Report struct {
	Domain   string     `json:"domain"`
	Selector string     `json:"selector"`
	MX       []MXRecord `json:"mx"`
	SPF      *string    `json:"spf"`
	DKIM     *string    `json:"dkim"`
	DMARC    *string    `json:"dmarc"`
	Errors   []string   `json:"errors"`
}

// Authenticator runs domain checks against a Resolver.
type Authenticator struct {
	resolver Resolver
	selector string
	timeout  time.Duration
}

// New creates an authenticator. An empty selector means "default" and a
// non-positive timeout means 5s per lookup.
func New(resolver Resolver, selector string, timeout time.Duration) *Authenticator {
	if selector == "" {
		selector = DefaultSelector
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &Authenticator{resolver: resolver, selector: selector, timeout: timeout}
}

// Check inspects domain using the configured DKIM selector.
func (a *Authenticator) Check(ctx context.Context, domain string) (*Report, error) {
	return a.CheckWithSelector(ctx, domain, "")
}

// CheckWithSelector inspects domain with an explicit DKIM selector; an empty
// selector falls back to the configured one. The error is non-nil only when
// the domain itself is empty or invalid.
func (a *Authenticator) CheckWithSelector(ctx context.Context, domain, selector string) (*Report, error) {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if domain == "" {
		return nil, consts.ErrEmptyDomain
	}
	if !server.IsValidDomain(domain) {
		return nil, fmt.Errorf("%w: %q", consts.ErrInvalidDomain, domain)
	}
	selector = strings.TrimSpace(selector)
	if selector == "" {
		selector = a.selector
	}

	report := &Report{Domain: domain, Selector: selector, Errors: []string{}}

	// One slot per lookup keeps the error order fixed.
	var errs [4]string
	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		mx, err := a.lookupMX(ctx, domain)
		if err != nil {
			errs[0] = "MX: " + describe(err, domain)
			return
		}
		report.MX = mx
	}()

	go func() {
		defer wg.Done()
		spf, err := a.lookupTXTPrefix(ctx, "spf", domain, "v=spf1")
		if err != nil {
			errs[1] = "SPF: " + describe(err, domain)
			return
		}
		report.SPF = spf
	}()

	go func() {
		defer wg.Done()
		name := "_dmarc." + domain
		dmarc, err := a.lookupTXTPrefix(ctx, "dmarc", name, "v=DMARC1")
		if err != nil {
			errs[2] = "DMARC: " + describe(err, name)
			return
		}
		report.DMARC = dmarc
	}()

	go func() {
		defer wg.Done()
		if !selectorRegex.MatchString(selector) {
			errs[3] = "DKIM: invalid selector"
			return
		}
		name := selector + "._domainkey." + domain
		dkim, err := a.lookupDKIM(ctx, name)
		if err != nil {
			errs[3] = "DKIM: " + describe(err, name)
			return
		}
		report.DKIM = dkim
	}()

	wg.Wait()

	for _, e := range errs {
		if e != "" {
			report.Errors = append(report.Errors, e)
		}
	}
	return report, nil
}

func describe(err error, name string) string {
	if errors.Is(err, ErrNotFound) {
		return "no records found for " + name
	}
	return err.Error()
}

func (a *Authenticator) observe(record string, start time.Time, found bool, err error) {
	metrics.DNSLookupDuration.WithLabelValues(record).Observe(time.Since(start).Seconds())
	result := "found"
	switch {
	case err != nil:
		result = "error"
	case !found:
		result = "absent"
	}
	metrics.DNSLookups.WithLabelValues(record, result).Inc()
}

func (a *Authenticator) lookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	records, err := a.resolver.LookupMX(ctx, domain)
	a.observe("mx", start, len(records) > 0, err)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return toMXRecords(records), nil
}

func toMXRecords(records []*net.MX) []MXRecord {
	out := make([]MXRecord, 0, len(records))
	for _, mx := range records {
		out = append(out, MXRecord{Host: strings.TrimSuffix(mx.Host, "."), Preference: mx.Pref})
	}
	return out
}

func (a *Authenticator) lookupTXT(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	records, err := a.resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, err
	}
	joined := make([]string, 0, len(records))
	for _, segments := range records {
		joined = append(joined, strings.Join(segments, ""))
	}
	return joined, nil
}

func (a *Authenticator) lookupTXTPrefix(ctx context.Context, record, name, prefix string) (*string, error) {
	start := time.Now()
	records, err := a.lookupTXT(ctx, name)
	var match *string
	for _, txt := range records {
		if strings.HasPrefix(txt, prefix) {
			match = &txt
			break
		}
	}
	a.observe(record, start, match != nil, err)
	return match, err
}

// lookupDKIM prefers a record with an explicit v=DKIM1 tag and otherwise
// takes the first record carrying a public key tag.
func (a *Authenticator) lookupDKIM(ctx context.Context, name string) (*string, error) {
	start := time.Now()
	records, err := a.lookupTXT(ctx, name)
	var match *string
	for _, txt := range records {
		if strings.HasPrefix(txt, "v=DKIM1") {
			match = &txt
			break
		}
	}
	if match == nil {
		for _, txt := range records {
			if hasTag(txt, "p") {
				match = &txt
				break
			}
		}
	}
	a.observe("dkim", start, match != nil, err)
	return match, err
}

func hasTag(record, tag string) bool {
	for _, part := range strings.Split(record, ";") {
		if k, _, ok := strings.Cut(strings.TrimSpace(part), "="); ok && strings.TrimSpace(k) == tag {
			return true
		}
	}
	return false
}
