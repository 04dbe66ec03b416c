package dns

import (
	"context"
	"net"
	"slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver for testing. Set records in the fields, which
// map absolute names (with trailing dot) to values.
type MockResolver struct {
	MX   map[string][]*net.MX
	A    map[string][]string
	Fail []string // Requests of the form "type name", e.g. "mx example.com.", that return a servfail.
}

var _ Resolver = MockResolver{}

func (r MockResolver) nxdomain(name string) error {
	return &adns.DNSError{
		Err:        "no record",
		Name:       name,
		Server:     "mock",
		IsNotFound: true,
	}
}

func (r MockResolver) servfail(name string) error {
	return &adns.DNSError{
		Err:         "temp error",
		Name:        name,
		Server:      "mock",
		IsTemporary: true,
	}
}

// LookupMX returns the configured MX records for name.
func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if slices.Contains(r.Fail, "mx "+name) {
		return nil, r.servfail(name)
	}
	l, ok := r.MX[name]
	if !ok {
		return nil, r.nxdomain(name)
	}
	return l, nil
}

// LookupHost returns the configured addresses for host.
func (r MockResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if slices.Contains(r.Fail, "host "+host) {
		return nil, r.servfail(host)
	}
	l, ok := r.A[host]
	if !ok {
		return nil, r.nxdomain(host)
	}
	return l, nil
}
