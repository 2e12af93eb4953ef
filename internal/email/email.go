// Package email defines the outbound email document stored in the queue
// and the helpers the delivery engine needs around it.
package email

import (
	"net/mail"
	"slices"
	"strings"
	"time"
)

// Status represents the delivery state of an email
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusInProgress, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// RecipientType is the header a recipient was addressed through
type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCC  RecipientType = "cc"
	RecipientBCC RecipientType = "bcc"
)

// order returns the delivery rank of the recipient type
func (t RecipientType) order() int {
	switch t {
	case RecipientTo:
		return 0
	case RecipientCC:
		return 1
	default:
		return 2
	}
}

// Recipient status codes. Any other non-zero value is the SMTP reply code
// of a failed attempt.
const (
	StatusCodePending     = 0
	StatusCodeDelivered   = 250
	StatusCodeUnavailable = 421
)

// Recipient is one address of an email
type Recipient struct {
	Address    string        `json:"address"`
	Type       RecipientType `json:"type"`
	StatusCode int           `json:"status_code"`
	Reason     string        `json:"reason"`
}

// Delivered reports whether the recipient has been delivered to
func (r Recipient) Delivered() bool {
	return r.StatusCode == StatusCodeDelivered
}

// Email is one outbound message with its recipients
type Email struct {
	ID            string      `json:"id"`
	Sender        string      `json:"sender"`
	Subject       string      `json:"subject"`
	Body          string      `json:"body"`
	Recipients    []Recipient `json:"recipients"`
	Status        Status      `json:"status"`
	Reason        string      `json:"reason"`
	Tries         int         `json:"tries"`
	WorkerID      string      `json:"worker_id"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
}

// PendingIndexes returns the indexes of recipients that still need
// delivery, ordered to, cc, bcc and by insertion order within a group.
func (e *Email) PendingIndexes() []int {
	var idx []int
	for i, r := range e.Recipients {
		if !r.Delivered() {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return e.Recipients[a].Type.order() - e.Recipients[b].Type.order()
	})
	return idx
}

// AllDelivered reports whether every recipient has been delivered to
func (e *Email) AllDelivered() bool {
	for _, r := range e.Recipients {
		if !r.Delivered() {
			return false
		}
	}
	return true
}

// Undelivered returns the addresses that have not been delivered to yet
func (e *Email) Undelivered() []string {
	var addrs []string
	for _, i := range e.PendingIndexes() {
		addrs = append(addrs, e.Recipients[i].Address)
	}
	return addrs
}

// UndeliveredReason summarizes which recipients never succeeded
func (e *Email) UndeliveredReason() string {
	return "undelivered recipients: " + strings.Join(e.Undelivered(), ", ")
}

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return strings.ToLower(email[at+1:])
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}

// ExtractDomainOrDefault extracts the domain part from an email address.
// Returns the provided default value if the email is invalid or domain is empty.
func ExtractDomainOrDefault(email, defaultDomain string) string {
	domain := ExtractDomain(email)
	if domain == "" {
		return defaultDomain
	}
	return domain
}
