package email

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// These limits are not imposed by any RFC; they keep stored emails sane.
const (
	MaxRecipients    = 100
	MaxSubjectLength = 255
	MaxBodyLength    = 16384
)

var (
	addressPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)
	subjectPattern = regexp.MustCompile(`^[a-zA-Z0-9 ]*$`)
)

// TooManyRecipientsError is returned when to+cc+bcc exceeds MaxRecipients
type TooManyRecipientsError struct {
	Count int
}

func (e *TooManyRecipientsError) Error() string {
	return fmt.Sprintf("the number of recipients for any given email may not exceed %d (got %d)", MaxRecipients, e.Count)
}

// SubjectTooLongError is returned when the subject exceeds MaxSubjectLength
type SubjectTooLongError struct{}

func (e *SubjectTooLongError) Error() string {
	return fmt.Sprintf("the length of the subject may not exceed %d characters", MaxSubjectLength)
}

// BodyTooLongError is returned when the body exceeds MaxBodyLength
type BodyTooLongError struct{}

func (e *BodyTooLongError) Error() string {
	return fmt.Sprintf("the length of the body may not exceed %d characters", MaxBodyLength)
}

// InvalidSubjectError is returned when the subject has characters outside [a-zA-Z0-9 ]
type InvalidSubjectError struct{}

func (e *InvalidSubjectError) Error() string {
	return "the subject contains invalid characters, only a-z, A-Z, 0-9 and spaces are allowed"
}

// InvalidAddressError is returned for a malformed address
type InvalidAddressError struct {
	Address string
	Header  string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("the email %q in the %s header is invalid", e.Address, e.Header)
}

// Request holds the fields needed to create an email
type Request struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc"`
	BCC     []string `json:"bcc"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Validate checks the request against the creation limits
func (r *Request) Validate() error {
	if n := len(r.To) + len(r.CC) + len(r.BCC); n > MaxRecipients {
		return &TooManyRecipientsError{Count: n}
	}
	if len(r.Subject) > MaxSubjectLength {
		return &SubjectTooLongError{}
	}
	if len(r.Body) > MaxBodyLength {
		return &BodyTooLongError{}
	}
	if !subjectPattern.MatchString(r.Subject) {
		return &InvalidSubjectError{}
	}
	if !addressPattern.MatchString(r.From) {
		return &InvalidAddressError{Address: r.From, Header: "from"}
	}

	for _, group := range []struct {
		header string
		addrs  []string
	}{
		{"to", r.To},
		{"cc", r.CC},
		{"bcc", r.BCC},
	} {
		for _, addr := range group.addrs {
			if !addressPattern.MatchString(addr) {
				return &InvalidAddressError{Address: addr, Header: group.header}
			}
		}
	}

	return nil
}

// New validates the request and builds an incomplete email from it
func New(r *Request) (*Email, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var recipients []Recipient
	add := func(addrs []string, t RecipientType) {
		for _, a := range addrs {
			recipients = append(recipients, Recipient{Address: a, Type: t})
		}
	}
	add(r.To, RecipientTo)
	add(r.CC, RecipientCC)
	add(r.BCC, RecipientBCC)

	now := time.Now()
	return &Email{
		ID:         uuid.New().String(),
		Sender:     r.From,
		Subject:    r.Subject,
		Body:       r.Body,
		Recipients: recipients,
		Status:     StatusIncomplete,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
