// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*DNSOverUDPResolver] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver maps a host name to its IPv4 addresses.
//
// Used by [LookupAddressOfHost] for names that are not dotted quads.
type Resolver interface {
	LookupIPv4(ctx context.Context, name string) ([]netip.Addr, error)
}

// NewSystemResolver returns a [Resolver] using the operating system's
// resolver through [*net.Resolver].
func NewSystemResolver() Resolver {
	return systemResolver{}
}

type systemResolver struct{}

// LookupIPv4 implements [Resolver].
func (systemResolver) LookupIPv4(ctx context.Context, name string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip4", name)
}

// DNSOverUDPResolver is a [Resolver] sending A queries to a DNS server over UDP.
//
// Every lookup dials a fresh UDP socket, performs a single exchange and
// closes the socket. The socket is also closed when the context is done.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to LookupIPv4.
type DNSOverUDPResolver struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewDNSOverUDPResolver] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverUDPResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSOverUDPResolver] to the user-provided logger.
	Logger SLogger

	// Server is the DNS server endpoint.
	//
	// Set by [NewDNSOverUDPResolver] to the user-provided value.
	Server netip.AddrPort

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSOverUDPResolver] from [Config.TimeNow].
	TimeNow func() time.Time
}

// NewDNSOverUDPResolver returns a new [*DNSOverUDPResolver] querying server.
//
// This function panics if server is not a valid endpoint.
//
// The cfg argument contains the common configuration for nbnet objects.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSOverUDPResolver(cfg *Config, server netip.AddrPort, logger SLogger) *DNSOverUDPResolver {
	runtimex.Assert(server.IsValid())
	return &DNSOverUDPResolver{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Server:        server,
		TimeNow:       cfg.TimeNow,
	}
}

var _ Resolver = &DNSOverUDPResolver{}

// LookupIPv4 implements [Resolver].
func (r *DNSOverUDPResolver) LookupIPv4(ctx context.Context, name string) ([]netip.Addr, error) {
	t0 := r.TimeNow()
	spanID := NewSpanID()
	r.logLookupStart(name, spanID, t0)
	addrs, err := r.lookup(ctx, name, spanID, t0)
	r.logLookupDone(name, spanID, t0, addrs, err)
	return addrs, err
}

func (r *DNSOverUDPResolver) lookup(ctx context.Context, name, spanID string, t0 time.Time) ([]netip.Addr, error) {
	// 1. Dial the server
	conn, err := r.Dialer.DialContext(ctx, "udp", r.Server.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// 2. Close the socket as soon as the context is done
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	// 3. Create the transport
	//
	// Note: we're not going to dial, so let's use a dialer that panics
	// if we attempt to dial (programmer error).
	txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, r.Server)

	// 4. Set observers for raw messages
	var rawQuery []byte
	localAddr, remoteAddr := safeconn.LocalAddr(conn), safeconn.RemoteAddr(conn)
	txp.ObserveRawQuery = func(query []byte) {
		rawQuery = query
		r.Logger.Info(
			"dnsQuery",
			slog.Any("dnsRawQuery", query),
			slog.String("localAddr", localAddr),
			slog.String("protocol", "udp"),
			slog.String("remoteAddr", remoteAddr),
			slog.String("spanID", spanID),
			slog.Time("t", t0),
		)
	}
	txp.ObserveRawResponse = func(resp []byte) {
		r.Logger.Info(
			"dnsResponse",
			slog.Any("dnsRawQuery", rawQuery),
			slog.Any("dnsRawResponse", resp),
			slog.String("localAddr", localAddr),
			slog.String("protocol", "udp"),
			slog.String("remoteAddr", remoteAddr),
			slog.String("spanID", spanID),
			slog.Time("t0", t0),
			slog.Time("t", r.TimeNow()),
		)
	}

	// 5. Exchange and extract the A records
	resp, err := txp.ExchangeWithConn(ctx, conn, dnscodec.NewQuery(name, dns.TypeA))
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(records))
	for _, record := range records {
		addr, err := netip.ParseAddr(record)
		if err != nil {
			return nil, fmt.Errorf("invalid A record %q: %w", record, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (r *DNSOverUDPResolver) logLookupStart(name, spanID string, t0 time.Time) {
	r.Logger.Info(
		"lookupStart",
		slog.String("name", name),
		slog.String("remoteAddr", r.Server.String()),
		slog.String("spanID", spanID),
		slog.Time("t", t0),
	)
}

func (r *DNSOverUDPResolver) logLookupDone(name, spanID string, t0 time.Time, addrs []netip.Addr, err error) {
	r.Logger.Info(
		"lookupDone",
		slog.Any("addrs", addrs),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("name", name),
		slog.String("remoteAddr", r.Server.String()),
		slog.String("spanID", spanID),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
}

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
//
// [*DNSOverUDPResolver] hands its own connection to the transport, which
// therefore never dials. This type catches programming errors where the
// transport attempts to dial instead of using the provided connection.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("nbnet: DNS transport must not dial; this is a programming error")
}
