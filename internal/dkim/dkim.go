// Package dkim signs relayed messages for the sender's domain.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// DefaultHeaders are signed when Config.Headers is empty
var DefaultHeaders = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-ID",
	"Reply-To", "MIME-Version", "Content-Type",
}

// Config describes one signing identity
type Config struct {
	Domain   string
	Selector string
	KeyFile  string
	Headers  []string
}

// Validate checks the identity is complete
func (c Config) Validate() error {
	var errs []error
	if c.Domain == "" {
		errs = append(errs, errors.New("dkim domain is required"))
	}
	if c.Selector == "" {
		errs = append(errs, errors.New("dkim selector is required"))
	}
	if c.KeyFile == "" {
		errs = append(errs, errors.New("dkim key_file is required"))
	}
	return errors.Join(errs...)
}

// Signer adds a DKIM-Signature header to messages of its domain
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
	headers  []string
}

// New loads the key from cfg.KeyFile and returns a signer
func New(cfg Config) (*Signer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key, err := LoadKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}

	return NewWithKey(key, cfg.Domain, cfg.Selector, cfg.Headers...), nil
}

// NewWithKey returns a signer for an already loaded key
func NewWithKey(key *rsa.PrivateKey, domain, selector string, headers ...string) *Signer {
	if len(headers) == 0 {
		headers = DefaultHeaders
	}
	return &Signer{
		key:      key,
		domain:   strings.ToLower(domain),
		selector: selector,
		headers:  headers,
	}
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the key selector
func (s *Signer) Selector() string {
	return s.selector
}

// Applies reports whether mail from sender may carry this domain's
// signature: the sender domain is the signing domain or a subdomain of it.
func (s *Signer) Applies(sender string) bool {
	at := strings.LastIndexByte(sender, '@')
	if at < 0 {
		return false
	}
	d := strings.ToLower(strings.TrimSuffix(sender[at+1:], ">"))
	return d == s.domain || strings.HasSuffix(d, "."+s.domain)
}

// Sign returns msg with a DKIM-Signature header prepended
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             s.headers,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(msg), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signed.Bytes(), nil
}
