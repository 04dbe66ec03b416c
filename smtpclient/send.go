package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mons/smtpkit/dns"
	"github.com/mons/smtpkit/internal/logging"
	"github.com/mons/smtpkit/metrics"
)

// ErrNoRecipients is returned when a request contains no parseable
// recipient.
var ErrNoRecipients = errors.New("no recipients")

// cancelledReason is the per-recipient error reported when a send is
// cancelled before completion.
const cancelledReason = "Cancelled"

// Request describes one message to deliver.
type Request struct {
	// From is the sender, as an RFC 5322 address. Required.
	From string

	// To holds the recipients. Each entry may itself be an RFC 5322
	// address list. Required.
	To []string

	// Data is the raw message bytes; the caller supplies headers and any
	// required dot-stuffing.
	Data []byte

	// Host, when set, overrides MX resolution for all recipients.
	Host string

	// Port is the SMTP port, default 25.
	Port int

	// Helo is the identity announced in HELO. Default is the local
	// hostname.
	Helo string

	// Timeout is the per-operation limit for dialing, reads and writes.
	Timeout time.Duration

	// Debug enables wire-level transaction logging.
	Debug bool

	// Logger is the base logger. Nil means slog.Default.
	Logger *slog.Logger

	// Resolver performs MX lookups. Nil means the OS-configured resolver.
	Resolver dns.Resolver

	// Collector receives metrics. Nil means no metrics.
	Collector metrics.Collector
}

// Result aggregates per-recipient outcomes. Each recipient appears in
// exactly one of the two maps: OK holds the final server reply, Err holds
// the reply line or failure reason.
type Result struct {
	OK  map[string]string
	Err map[string]string
}

// Single collapses the result for a single-recipient send into an
// (ok, err) pair; exactly one of the two is non-empty.
func (r Result) Single() (ok, errReason string) {
	for _, v := range r.OK {
		return v, ""
	}
	for _, v := range r.Err {
		return "", v
	}
	return "", ""
}

// group is one delivery session's worth of recipients, sharing an MX
// domain.
type group struct {
	domain string // As it appeared in the first recipient; empty with a host override.
	rcpts  []string
}

// Send delivers one message and blocks until every recipient has an
// outcome. Recipients are grouped by domain; each group resolves MX and
// runs one session against the top-preference host, groups in parallel.
// Cancelling ctx marks every pending recipient "Cancelled". The returned
// error reports request-level problems only (unparseable addresses, no
// recipients); delivery failures are per-recipient in the Result.
func Send(ctx context.Context, req Request) (Result, error) {
	res := Result{OK: make(map[string]string), Err: make(map[string]string)}

	if req.Port == 0 {
		req.Port = 25
	}
	if req.Helo == "" {
		if name, err := os.Hostname(); err == nil {
			req.Helo = name
		} else {
			req.Helo = "localhost"
		}
	}
	if req.Logger == nil {
		req.Logger = slog.Default()
	}
	if req.Resolver == nil {
		req.Resolver = dns.StrictResolver{Log: req.Logger}
	}
	if req.Collector == nil {
		req.Collector = &metrics.NoopCollector{}
	}

	from, err := mail.ParseAddress(req.From)
	if err != nil {
		return res, fmt.Errorf("parsing sender %q: %w", req.From, err)
	}

	var rcpts []string
	for _, entry := range req.To {
		al, err := mail.ParseAddressList(entry)
		if err != nil {
			return res, fmt.Errorf("parsing recipient %q: %w", entry, err)
		}
		for _, a := range al {
			rcpts = append(rcpts, a.Address)
		}
	}
	if len(rcpts) == 0 {
		return res, ErrNoRecipients
	}

	groups := groupRecipients(rcpts, req.Host != "")

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, g := range groups {
		wg.Add(1)
		go func(g group) {
			defer wg.Done()
			ok, errm := deliverGroup(ctx, req, from.Address, g)
			mu.Lock()
			defer mu.Unlock()
			for rcpt, reply := range ok {
				res.OK[rcpt] = reply
			}
			for rcpt, reason := range errm {
				res.Err[rcpt] = reason
			}
		}(g)
	}
	wg.Wait()

	return res, nil
}

// groupRecipients buckets recipients by the domain after the final "@",
// case-insensitively for the domain, preserving order. With a host
// override everything lands in a single group.
func groupRecipients(rcpts []string, hostOverride bool) []group {
	if hostOverride {
		return []group{{rcpts: rcpts}}
	}
	var groups []group
	index := make(map[string]int)
	for _, rcpt := range rcpts {
		domain := domainOf(rcpt)
		key := strings.ToLower(domain)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{domain: domain})
		}
		groups[i].rcpts = append(groups[i].rcpts, rcpt)
	}
	return groups
}

// domainOf returns the substring after the final "@". Local parts with a
// quoted "@" are not supported.
func domainOf(addr string) string {
	if idx := strings.LastIndex(addr, "@"); idx >= 0 {
		return addr[idx+1:]
	}
	return addr
}

// deliverGroup resolves the delivery host for one group and runs a single
// session for all of its recipients.
func deliverGroup(ctx context.Context, req Request, from string, g group) (map[string]string, map[string]string) {
	ok := make(map[string]string)
	errm := make(map[string]string)

	failAll := func(reason string) (map[string]string, map[string]string) {
		for _, rcpt := range g.rcpts {
			if _, done := ok[rcpt]; done {
				continue
			}
			if _, done := errm[rcpt]; done {
				continue
			}
			errm[rcpt] = reason
			req.Collector.SendCompleted(domainOf(rcpt), "error")
		}
		return ok, errm
	}

	host := req.Host
	if host == "" {
		mxl, err := req.Resolver.LookupMX(ctx, strings.ToLower(g.domain)+".")
		if err != nil || len(mxl) == 0 {
			switch {
			case err == nil || dns.IsNotFound(err):
				req.Collector.MXLookup("none")
			case ctx.Err() != nil:
				return failAll(cancelledReason)
			default:
				req.Collector.MXLookup("error")
			}
			return failAll("No MX record for domain " + g.domain)
		}
		req.Collector.MXLookup("ok")
		host = dns.HostsByPref(mxl)[0]
	}

	addr := net.JoinHostPort(host, strconv.Itoa(req.Port))
	logger := logging.Scope(req.Logger, "send",
		slog.String("domain", g.domain),
		slog.String("host", addr),
	)

	client, err := Dial(ctx, addr, Options{
		Timeout: req.Timeout,
		Debug:   req.Debug,
		Logger:  logger,
	})
	if err != nil {
		if ctx.Err() != nil {
			return failAll(cancelledReason)
		}
		return failAll(err.Error())
	}
	defer client.Close()

	// Abort the dialogue when the context is cancelled mid-session.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			client.conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	out := client.transact(req.Helo, from, g.rcpts, req.Data)

	for rcpt, line := range out.rcptErr {
		errm[rcpt] = line
		req.Collector.SendCompleted(domainOf(rcpt), "error")
	}
	if out.err != nil {
		reason := out.err.Error()
		if ctx.Err() != nil {
			reason = cancelledReason
		}
		return failAll(reason)
	}
	for _, rcpt := range out.accepted {
		ok[rcpt] = out.okReply
		req.Collector.SendCompleted(domainOf(rcpt), "ok")
	}
	logger.Info("delivery finished",
		slog.Int("ok", len(out.accepted)),
		slog.Int("failed", len(errm)),
	)
	return ok, errm
}

// Go submits a send asynchronously and invokes cb exactly once with the
// outcome. The optional wg is the external group-sync handle: it receives
// Add(1) at submission and Done at completion so a caller can await
// multiple independent sends. The returned cancel aborts in-flight
// sessions; every still-pending recipient reports "Cancelled".
func Go(ctx context.Context, req Request, wg *sync.WaitGroup, cb func(Result, error)) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		cb(Send(ctx, req))
	}()
	return cancel
}
