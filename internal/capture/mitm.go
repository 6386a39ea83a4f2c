package capture

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oximy/oisp/internal/provider"
	oisptls "github.com/oximy/oisp/internal/tls"
)

// PeerResolver maps an intercepted connection's client address to the owning
// process. The platform-specific lookup (netstat tables, /proc/net/tcp,
// lsof) is injected; when absent, pid/tid stay zero and the synthesized fd
// still keys the connection uniquely.
type PeerResolver interface {
	Resolve(clientAddr string) (pid, tid, uid int, comm string)
}

// MITMProducerConfig configures the TLS-terminating capture producer.
type MITMProducerConfig struct {
	Listen         string
	CertCache      *oisptls.CertCache
	Registry       *provider.Registry
	InterceptHosts []string // user-configured extra hosts, domain-suffix matched
	Resolver       PeerResolver
	Logger         *slog.Logger

	// InsecureSkipVerifyUpstream skips upstream TLS verification. Tests only.
	InsecureSkipVerifyUpstream bool
}

// MITMProducer accepts proxy CONNECT requests, terminates TLS for hosts the
// provider registry claims, relays bytes between client and upstream, and
// emits the relayed plaintext as SslWrite (client->server) and SslRead
// (server->client) events. Non-provider hosts are tunneled untouched.
type MITMProducer struct {
	cfg    MITMProducerConfig
	logger *slog.Logger

	counters
	out      chan *RawEvent
	ln       net.Listener
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewMITMProducer validates cfg and builds the producer.
func NewMITMProducer(cfg MITMProducerConfig) (*MITMProducer, error) {
	if cfg.CertCache == nil {
		return nil, fmt.Errorf("cert cache is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = provider.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MITMProducer{
		cfg:    cfg,
		logger: cfg.Logger,
		out:    make(chan *RawEvent, 1024),
	}, nil
}

// Start binds the listener and begins accepting connections.
func (p *MITMProducer) Start(ctx context.Context) (<-chan *RawEvent, error) {
	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("binding mitm listener: %w", err)
	}
	p.ln = ln

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		defer close(p.out)
		for {
			conn, err := ln.Accept()
			if err != nil {
				p.wg.Wait()
				return
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.handleConn(ctx, conn)
			}()
		}
	}()

	return p.out, nil
}

// Addr returns the bound listener address, for tests and status output.
func (p *MITMProducer) Addr() string {
	if p.ln == nil {
		return p.cfg.Listen
	}
	return p.ln.Addr().String()
}

// Stop closes the listener and waits for active relays to wind down.
func (p *MITMProducer) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// Stats returns the producer counters.
func (p *MITMProducer) Stats() Stats {
	return p.snapshot()
}

// handleConn reads the CONNECT request and either intercepts or tunnels.
func (p *MITMProducer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	if req.Method != http.MethodConnect {
		conn.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\nContent-Length: 0\r\n\r\n"))
		return
	}

	host := req.Host
	if p.shouldIntercept(host) {
		p.intercept(ctx, conn, host)
		return
	}
	p.passthrough(conn, host)
}

func (p *MITMProducer) shouldIntercept(host string) bool {
	if p.cfg.Registry.ShouldIntercept(host) {
		return true
	}
	bare := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		bare = h
	}
	for _, h := range p.cfg.InterceptHosts {
		if provider.MatchDomainSuffix(bare, h) {
			return true
		}
	}
	return false
}

// passthrough tunnels the connection without decryption; the client sees the
// upstream's real certificate. No events are emitted for tunneled traffic.
func (p *MITMProducer) passthrough(clientConn net.Conn, host string) {
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	upstream, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"))
		return
	}
	defer upstream.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, clientConn); done <- struct{}{} }()
	go func() { io.Copy(clientConn, upstream); done <- struct{}{} }()
	<-done
}

// intercept terminates the client's TLS session with a minted leaf, opens a
// verified TLS session to the real destination, and relays plaintext in both
// directions, emitting capture events as it copies.
func (p *MITMProducer) intercept(ctx context.Context, clientConn net.Conn, host string) {
	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	// HTTP/1.1 is negotiated explicitly on both legs; HTTP/2 framing is out
	// of scope for the decoder.
	tlsClient := tls.Server(clientConn, &tls.Config{
		GetCertificate: p.cfg.CertCache.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	})
	if err := tlsClient.Handshake(); err != nil {
		p.logger.Debug("client TLS handshake failed", "host", host, "error", err)
		p.dropped.Add(1)
		return
	}
	defer tlsClient.Close()

	dialAddr := host
	if !strings.Contains(dialAddr, ":") {
		dialAddr += ":443"
	}
	upstream, err := tls.Dial("tcp", dialAddr, &tls.Config{
		InsecureSkipVerify: p.cfg.InsecureSkipVerifyUpstream,
		NextProtos:         []string{"http/1.1"},
	})
	if err != nil {
		p.logger.Warn("upstream TLS dial failed", "host", host, "error", err)
		p.dropped.Add(1)
		return
	}
	defer upstream.Close()

	clientAddr := clientConn.RemoteAddr().String()
	var pid, tid, uid int
	var comm string
	if p.cfg.Resolver != nil {
		pid, tid, uid, comm = p.cfg.Resolver.Resolve(clientAddr)
	}
	key := ConnectionKey{
		PID: pid,
		TID: tid,
		FD:  SynthesizeFD(clientAddr, dialAddr),
	}

	p.emit(ctx, KindNetConnect, key, uid, comm, host, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer upstream.CloseWrite()
		p.relay(ctx, KindSslWrite, key, uid, comm, host, tlsClient, upstream)
	}()
	go func() {
		defer wg.Done()
		p.relay(ctx, KindSslRead, key, uid, comm, host, upstream, tlsClient)
		// Response leg closed; unblock the client read.
		tlsClient.SetReadDeadline(time.Now())
	}()
	wg.Wait()
}

// relay copies src to dst in MaxChunk reads, emitting one event per read.
// Events within a direction are emitted in copy order, preserving the
// per-connection ordering contract.
func (p *MITMProducer) relay(ctx context.Context, kind Kind, key ConnectionKey, uid int, comm, host string, src io.Reader, dst io.Writer) {
	buf := make([]byte, MaxChunk)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.emit(ctx, kind, key, uid, comm, host, data)
			if _, werr := dst.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *MITMProducer) emit(ctx context.Context, kind Kind, key ConnectionKey, uid int, comm, host string, data []byte) {
	ev := &RawEvent{
		ID:          newEventID(),
		TimestampNS: time.Now().UnixNano(),
		Kind:        kind,
		PID:         key.PID,
		TID:         key.TID,
		UID:         uid,
		Comm:        comm,
		FD:          key.FD,
		Data:        data,
		Metadata:    Metadata{Host: host},
	}
	// The relay blocks rather than drops: dropping mid-stream would corrupt
	// HTTP framing for the decoder, and the relay's own socket backpressure
	// bounds memory.
	select {
	case p.out <- ev:
		p.count(ev)
	case <-ctx.Done():
	}
}
