package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/circuitbreaker"
	"github.com/migadu/courier/pkg/metrics"
)

// RelayFactory builds the relay for one provider. It is called at most once
// per provider, on the first send through it.
type RelayFactory func(cfg config.RelayProviderConfig, hostname string) (Relay, error)

// NewRelay builds an SMTP or HTTP relay according to cfg.Type.
func NewRelay(cfg config.RelayProviderConfig, hostname string) (Relay, error) {
	switch {
	case cfg.IsHTTP():
		return NewHTTPRelay(cfg, hostname)
	case cfg.IsSMTP():
		return NewSMTPRelay(cfg, hostname)
	default:
		return nil, fmt.Errorf("relay %s: unsupported type %q", cfg.Name, cfg.Type)
	}
}

type relaySlot struct {
	cfg     config.RelayProviderConfig
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker

	mu    sync.Mutex // held for the duration of a send
	relay Relay
}

// RelayPool owns one lazily created relay per configured provider.
type RelayPool struct {
	hostname        string
	defaultProvider string
	factory         RelayFactory

	providers map[string]config.RelayProviderConfig
	breakers  map[string]*circuitbreaker.CircuitBreaker
	slots     sync.Map // provider name -> *relaySlot
}

// NewRelayPool prepares slots for every provider in cfg. A nil factory
// means NewRelay.
func NewRelayPool(cfg config.RelayConfig, hostname string, factory RelayFactory) (*RelayPool, error) {
	if factory == nil {
		factory = NewRelay
	}
	cbTimeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid circuit_breaker_timeout: %w", err)
	}

	p := &RelayPool{
		hostname:        hostname,
		defaultProvider: cfg.GetDefaultProvider(),
		factory:         factory,
		providers:       make(map[string]config.RelayProviderConfig),
		breakers:        make(map[string]*circuitbreaker.CircuitBreaker),
	}

	for _, provider := range cfg.GetProviders() {
		p.providers[provider.Name] = provider
		p.breakers[provider.Name] = circuitbreaker.New(circuitbreaker.Settings{
			Name:        "relay-" + provider.Name,
			MaxRequests: uint32(cfg.GetCircuitBreakerMaxRequests()),
			Interval:    10 * time.Second,
			Timeout:     cbTimeout,
			ReadyToTrip: circuitbreaker.ConsecutiveFailures(uint32(cfg.GetCircuitBreakerThreshold())),
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Info("Relay circuit breaker state changed", "name", name, "from", from, "to", to)
			},
		})
	}
	return p, nil
}

// DefaultProvider returns the provider used when a send names none.
func (p *RelayPool) DefaultProvider() string {
	return p.defaultProvider
}

// Breakers returns the circuit breaker of every provider, keyed by name.
func (p *RelayPool) Breakers() map[string]*circuitbreaker.CircuitBreaker {
	return p.breakers
}

// Providers returns the configured provider names in sorted order.
func (p *RelayPool) Providers() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *RelayPool) slot(name string) (*relaySlot, error) {
	if s, ok := p.slots.Load(name); ok {
		return s.(*relaySlot), nil
	}
	cfg, ok := p.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", consts.ErrUnknownProvider, name)
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("relay %s: invalid timeout: %w", name, err)
	}
	s, _ := p.slots.LoadOrStore(name, &relaySlot{
		cfg:     cfg,
		timeout: timeout,
		breaker: p.breakers[name],
	})
	return s.(*relaySlot), nil
}

// Send relays one message through provider, or the default provider when
// empty. Sends through the same provider are serialized.
func (p *RelayPool) Send(ctx context.Context, provider, from, to, subject, text, html string) (string, error) {
	if provider == "" {
		provider = p.defaultProvider
	}
	s, err := p.slot(provider)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var messageID string
	err = s.breaker.Execute(sendCtx, func(ctx context.Context) error {
		if s.relay == nil {
			relay, err := p.factory(s.cfg, p.hostname)
			if err != nil {
				return &RelayError{Err: err, Permanent: true}
			}
			s.relay = relay
		}
		var serr error
		messageID, serr = s.relay.Send(ctx, from, to, subject, text, html)
		return serr
	})
	metrics.RelayDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		metrics.RelayAttempts.WithLabelValues(provider, "circuit_breaker_open").Inc()
		logger.Warn("Relay: circuit breaker is open, skipping delivery", "provider", provider)
		return "", fmt.Errorf("relay %s circuit breaker is open: %w", provider, err)
	case err != nil:
		metrics.RelayAttempts.WithLabelValues(provider, "failure").Inc()
		return "", err
	}
	metrics.RelayAttempts.WithLabelValues(provider, "success").Inc()
	return messageID, nil
}

// Close closes every relay that was created.
func (p *RelayPool) Close() error {
	var errs []error
	p.slots.Range(func(key, value any) bool {
		s := value.(*relaySlot)
		s.mu.Lock()
		if s.relay != nil {
			if err := s.relay.Close(); err != nil {
				errs = append(errs, fmt.Errorf("relay %s: %w", key, err))
			}
			s.relay = nil
		}
		s.mu.Unlock()
		return true
	})
	return errors.Join(errs...)
}
