package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/courier/internal/dkim"
)

// Client sends emails through the configured relay servers
type Client struct {
	servers    ServerSource
	timeout    time.Duration
	hostname   string
	logger     *slog.Logger
	dkimSigner *dkim.Signer

	// tlsConfig overrides the client TLS settings, used by tests
	tlsConfig *tls.Config
}

// NewClient creates a new relay client
func NewClient(servers ServerSource, hostname string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if hostname == "" {
		hostname = "localhost"
	}
	return &Client{
		servers:  servers,
		timeout:  timeout,
		hostname: hostname,
		logger:   logger,
	}
}

// SetDKIMSigner sets the DKIM signer for outgoing messages
func (c *Client) SetDKIMSigner(signer *dkim.Signer) {
	c.dkimSigner = signer
}

// Available returns ErrNoServers when there is nowhere to send
func (c *Client) Available(ctx context.Context) error {
	servers, err := c.servers.ListServers(ctx)
	if err != nil {
		return unavailable("failed to list relay servers: %v", err)
	}
	if len(servers) == 0 {
		return ErrNoServers
	}
	return nil
}

// pickServer chooses a random relay server
func (c *Client) pickServer(ctx context.Context) (Server, error) {
	servers, err := c.servers.ListServers(ctx)
	if err != nil {
		return Server{}, unavailable("failed to list relay servers: %v", err)
	}
	if len(servers) == 0 {
		return Server{}, &DeliveryError{Temporary: true, Message: ErrNoServers.Error(), Err: ErrNoServers}
	}
	return servers[rand.IntN(len(servers))], nil
}

// Send delivers msg to a single recipient. Failures are *DeliveryError;
// errors wrapping ErrUnavailable mean no recipient can be delivered to
// right now.
func (c *Client) Send(ctx context.Context, from, to string, msg []byte) error {
	srv, err := c.pickServer(ctx)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := c.sendTo(ctx, srv, from, to, c.sign(from, msg)); err != nil {
		c.logger.Debug("relay failed",
			"server", srv.Addr(),
			"to", to,
			"error", err,
		)
		return err
	}

	c.logger.Debug("message relayed",
		"server", srv.Addr(),
		"from", from,
		"to", to,
		"duration", time.Since(start),
	)
	return nil
}

// sign returns the DKIM signed message, or msg unchanged when the
// sender is outside the signing domain
func (c *Client) sign(from string, msg []byte) []byte {
	if c.dkimSigner == nil || !c.dkimSigner.Applies(from) {
		return msg
	}

	signed, err := c.dkimSigner.Sign(msg)
	if err != nil {
		c.logger.Warn("DKIM signing failed, sending unsigned",
			"domain", c.dkimSigner.Domain(),
			"from", from,
			"error", err,
		)
		return msg
	}
	return signed
}

func (c *Client) sendTo(ctx context.Context, srv Server, from, to string, data []byte) error {
	addr := srv.Addr()

	client, stop, err := c.connect(ctx, srv)
	if err != nil {
		return err
	}
	defer stop()
	defer client.Close()

	if srv.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return unavailable("relay %s does not support AUTH", addr)
		}
		if err := client.Auth(sasl.NewPlainClient("", srv.Username, srv.Password)); err != nil {
			return c.unavailableError(err, "AUTH")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return c.categorizeError(err, "MAIL FROM")
	}

	if err := client.Rcpt(to, nil); err != nil {
		return c.categorizeError(err, fmt.Sprintf("RCPT TO %s", to))
	}

	wc, err := client.Data()
	if err != nil {
		return c.categorizeError(err, "DATA")
	}

	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
			Err:       err,
		}
	}

	if err := wc.Close(); err != nil {
		return c.categorizeError(err, "DATA close")
	}

	// Quit
	client.Quit()

	return nil
}

// dial opens a TCP connection bounded by ctx. The returned stop func must
// be called once the connection is done with.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, func() bool, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, unavailable("connection failed to %s: %v", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// Abort the exchange when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	return conn, stop, nil
}

// connect returns a client that has greeted srv, encrypted according to
// its TLS mode
func (c *Client) connect(ctx context.Context, srv Server) (*smtp.Client, func() bool, error) {
	addr := srv.Addr()

	conn, stop, err := c.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}

	if srv.TLS == TLSImplicit {
		tlsConn := tls.Client(conn, c.clientTLS(srv))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			stop()
			conn.Close()
			return nil, nil, unavailable("TLS handshake with %s failed: %v", addr, err)
		}
		conn = tlsConn
	}

	client := smtp.NewClient(conn)
	if err := client.Hello(c.hostname); err != nil {
		stop()
		client.Close()
		return nil, nil, c.unavailableError(err, "HELO")
	}

	if srv.TLS != "" && srv.TLS != TLSStartTLS {
		return client, stop, nil
	}

	// Opportunistic: stay in plain text when the relay does not offer TLS
	if ok, _ := client.Extension("STARTTLS"); !ok {
		return client, stop, nil
	}
	client.Quit()
	stop()
	client.Close()

	// A greeted client cannot be upgraded, so encrypt a fresh session
	conn, stop, err = c.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	client, err = smtp.NewClientStartTLS(conn, c.clientTLS(srv))
	if err != nil {
		stop()
		conn.Close()
		return nil, nil, c.unavailableError(err, "STARTTLS")
	}
	if err := client.Hello(c.hostname); err != nil {
		stop()
		client.Close()
		return nil, nil, c.unavailableError(err, "HELO after STARTTLS")
	}

	return client, stop, nil
}

func (c *Client) clientTLS(srv Server) *tls.Config {
	if c.tlsConfig != nil {
		cfg := c.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = srv.Hostname
		}
		return cfg
	}
	return &tls.Config{
		ServerName: srv.Hostname,
		MinVersion: tls.VersionTLS12,
	}
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func (c *Client) categorizeError(err error, stage string) *DeliveryError {
	de := &DeliveryError{
		Code:      replyCode(err),
		Temporary: true,
		Message:   fmt.Sprintf("%s failed: %v", stage, err),
		Err:       err,
	}

	// 5xx codes are permanent errors
	if de.Code >= 500 {
		de.Temporary = false
	}

	return de
}

// unavailableError categorizes err and marks the relay as unusable
func (c *Client) unavailableError(err error, stage string) *DeliveryError {
	de := c.categorizeError(err, stage)
	de.Err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	return de
}

// replyCode extracts the SMTP reply code from err
func replyCode(err error) int {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return se.Code
	}

	// Extract SMTP code from error message
	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		code, _ := strconv.Atoi(matches[1])
		return code
	}
	return 0
}
