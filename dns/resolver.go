// Package dns provides the DNS lookups needed for SMTP delivery, most
// importantly MX resolution, behind a small Resolver interface so tests can
// substitute a mock.
package dns

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/adns"
)

// Resolver is the interface StrictResolver implements. Lookups use the
// operating system's DNS configuration.
type Resolver interface {
	// LookupMX returns the MX records for name. Names must be absolute,
	// ending with a dot.
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)

	// LookupHost returns the addresses for host. Names must be absolute,
	// ending with a dot.
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ErrRelativeDNSName is returned for lookups of names without a trailing
// dot, preventing "search"-relative lookups.
var ErrRelativeDNSName = errors.New("dns: name to lookup must be absolute, ending with a dot")

// IsNotFound returns whether an error is an adns.DNSError with IsNotFound
// set, meaning the name is valid but has no records of the requested type.
func IsNotFound(err error) bool {
	var dnsErr *adns.DNSError
	return err != nil && errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// StrictResolver resolves through adns and enforces absolute names.
type StrictResolver struct {
	Resolver *adns.Resolver // Nil means adns.DefaultResolver.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

func (r StrictResolver) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver != nil {
		return r.Resolver
	}
	return adns.DefaultResolver
}

// LookupMX looks up MX records for name.
func (r StrictResolver) LookupMX(ctx context.Context, name string) (resp []*net.MX, err error) {
	start := time.Now()
	defer func() {
		r.log().Debug("dns lookup result",
			slog.String("type", "mx"),
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Any("err", err),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(name, ".") {
		return nil, ErrRelativeDNSName
	}
	resp, _, err = r.resolver().LookupMX(ctx, name)
	return
}

// LookupHost looks up the addresses for host.
func (r StrictResolver) LookupHost(ctx context.Context, host string) (resp []string, err error) {
	start := time.Now()
	defer func() {
		r.log().Debug("dns lookup result",
			slog.String("type", "host"),
			slog.String("host", host),
			slog.Any("resp", resp),
			slog.Any("err", err),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, ErrRelativeDNSName
	}
	resp, _, err = r.resolver().LookupHost(ctx, host)
	return
}

// SortMX orders records ascending by preference, in place. Records with
// equal preference keep their input order.
func SortMX(mxl []*net.MX) {
	sort.SliceStable(mxl, func(i, j int) bool {
		return mxl[i].Pref < mxl[j].Pref
	})
}

// HostsByPref returns the MX target hostnames sorted ascending by
// preference, with trailing dots removed.
func HostsByPref(mxl []*net.MX) []string {
	l := make([]*net.MX, len(mxl))
	copy(l, mxl)
	SortMX(l)
	hosts := make([]string, 0, len(l))
	for _, mx := range l {
		hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
	}
	return hosts
}
