package email

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message renders the email as RFC 5322 data. Bcc recipients are never
// written to the headers.
func (e *Email) Message() []byte {
	var buf bytes.Buffer
	var to, cc []string

	for _, r := range e.Recipients {
		switch r.Type {
		case RecipientTo:
			to = append(to, r.Address)
		case RecipientCC:
			cc = append(cc, r.Address)
		}
	}

	date := e.CreatedAt
	if date.IsZero() {
		date = time.Now()
	}

	buf.WriteString(fmt.Sprintf("From: %s\r\n", e.Sender))
	if len(to) > 0 {
		buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	}
	if len(cc) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(cc, ", ")))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", e.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", date.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", messageID(e.ID), ExtractDomainOrDefault(e.Sender, "localhost")))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(e.Body)

	return buf.Bytes()
}

func messageID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}
