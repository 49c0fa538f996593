package channels

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
)

// SMTPMailer submits messages to an SMTP relay.
type SMTPMailer struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	Timeout  time.Duration
}

// Send delivers msg. 4xx replies and network errors are transient.
func (m *SMTPMailer) Send(ctx context.Context, msg EmailMessage) error {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Transient(fmt.Errorf("dial %s: %w", addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.Host)
	if err != nil {
		_ = conn.Close()
		return classifySMTP(err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(nil); err != nil {
			return classifySMTP(err)
		}
	}
	if m.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.Username, m.Password, m.Host)); err != nil {
			return classifySMTP(err)
		}
	}
	if err := c.Mail(m.From); err != nil {
		return classifySMTP(err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return classifySMTP(err)
	}
	w, err := c.Data()
	if err != nil {
		return classifySMTP(err)
	}
	if _, err := w.Write(m.compose(msg)); err != nil {
		return classifySMTP(err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP(err)
	}
	// The relay accepted the message with its reply to DATA. A failed QUIT
	// must not turn that into a retry and a second copy.
	_ = c.Quit()
	return nil
}

func (m *SMTPMailer) compose(msg EmailMessage) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(m.From))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(msg.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)))
	if msg.ID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s@flarealert>\r\n", msg.ID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// headerValue flattens v onto one header line.
func headerValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		if unicode.IsControl(r) && r != '\t' {
			return -1
		}
		return r
	}, v)
}

// classifySMTP wraps transient SMTP failures. A 5xx reply is a hard bounce.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code >= 400 && protoErr.Code < 500 {
			return Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	return err
}

// HTTPMailer submits messages to a transactional mail API.
type HTTPMailer struct {
	client   *resty.Client
	endpoint string
	from     string
}

type httpMailRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// NewHTTPMailer creates a mailer posting to endpoint with a bearer key.
func NewHTTPMailer(endpoint, apiKey, from string, timeout time.Duration) *HTTPMailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "flarealert-mailer/1")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPMailer{client: client, endpoint: endpoint, from: from}
}

// Send posts msg. 429, 5xx and transport errors are transient.
func (m *HTTPMailer) Send(ctx context.Context, msg EmailMessage) error {
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(httpMailRequest{
			From:      m.from,
			To:        msg.To,
			Subject:   msg.Subject,
			Text:      msg.Body,
			MessageID: msg.ID,
		}).
		Post(m.endpoint)
	if err != nil {
		return Transient(fmt.Errorf("mail api: %w", err))
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 429 || code >= 500:
		return Transient(fmt.Errorf("mail api returned %d", code))
	default:
		return fmt.Errorf("mail api returned %d: %s", code, strings.TrimSpace(resp.String()))
	}
}
