package channels

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarwatch/flarealert/internal/controlplane/alerts"
)

type fakeMailer struct {
	err  error
	sent []EmailMessage
}

func (f *fakeMailer) Send(_ context.Context, msg EmailMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestEmailRendersAndSends(t *testing.T) {
	mailer := &fakeMailer{}
	adapter := NewEmailAdapter(mailer, nil)

	res := adapter.Send(context.Background(), testDelivery(alerts.ChannelEmail))
	require.Equal(t, Delivered, res.Outcome, res.Reason)
	require.Len(t, mailer.sent, 1)

	msg := mailer.sent[0]
	assert.Equal(t, "ops@example.com", msg.To)
	assert.Equal(t, "notif-1", msg.ID)
	assert.Equal(t, "[FlareAlert HIGH] X-class watch: flare probability 82%", msg.Subject)
	assert.Contains(t, msg.Body, "pred-1")
	assert.Contains(t, msg.Body, "flare_intensity greater_than 0.5")
}

func TestEmailMissingRecipientIsPermanent(t *testing.T) {
	mailer := &fakeMailer{}
	d := testDelivery(alerts.ChannelEmail)
	d.Config.EmailAddress = "  "
	res := NewEmailAdapter(mailer, nil).Send(context.Background(), d)
	assert.Equal(t, Permanent, res.Outcome)
	assert.Empty(t, mailer.sent)
}

func TestEmailErrorClassification(t *testing.T) {
	d := testDelivery(alerts.ChannelEmail)

	res := NewEmailAdapter(&fakeMailer{err: Transient(errors.New("greylisted"))}, nil).Send(context.Background(), d)
	assert.Equal(t, Retryable, res.Outcome)

	res = NewEmailAdapter(&fakeMailer{err: errors.New("mailbox does not exist")}, nil).Send(context.Background(), d)
	assert.Equal(t, Permanent, res.Outcome)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = NewEmailAdapter(&fakeMailer{err: errors.New("aborted")}, nil).Send(ctx, d)
	assert.Equal(t, Retryable, res.Outcome)
}

func TestClassifySMTP(t *testing.T) {
	assert.NoError(t, classifySMTP(nil))
	assert.True(t, IsTransient(classifySMTP(&textproto.Error{Code: 451, Msg: "try later"})))
	assert.False(t, IsTransient(classifySMTP(&textproto.Error{Code: 550, Msg: "no such user"})))
	assert.False(t, IsTransient(classifySMTP(errors.New("protocol confusion"))))
}

func TestHTTPMailer(t *testing.T) {
	var (
		status = http.StatusAccepted
		got    httpMailRequest
		auth   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"detail":"x"}`))
	}))
	defer srv.Close()

	mailer := NewHTTPMailer(srv.URL+"/send", "key-1", "alerts@flarealert.io", time.Second)
	msg := EmailMessage{To: "ops@example.com", Subject: "s", Body: "b", ID: "notif-1"}

	require.NoError(t, mailer.Send(context.Background(), msg))
	assert.Equal(t, "Bearer key-1", auth)
	assert.Equal(t, "alerts@flarealert.io", got.From)
	assert.Equal(t, "ops@example.com", got.To)
	assert.Equal(t, "notif-1", got.MessageID)

	status = http.StatusServiceUnavailable
	assert.True(t, IsTransient(mailer.Send(context.Background(), msg)))

	status = http.StatusTooManyRequests
	assert.True(t, IsTransient(mailer.Send(context.Background(), msg)))

	status = http.StatusUnprocessableEntity
	err := mailer.Send(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.True(t, strings.Contains(err.Error(), "422"))
}

func TestHTTPMailerTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPMailer(url, "", "a@b.c", time.Second).Send(context.Background(), EmailMessage{To: "x@y.z"})
	assert.True(t, IsTransient(err))
}

// fakeRelay is a minimal SMTP relay. It accepts one message and, with
// dropQuit set, closes the connection instead of answering QUIT.
type fakeRelay struct {
	host     string
	port     int
	dropQuit bool
	data     chan string
}

func startFakeRelay(t *testing.T, dropQuit bool) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	r := &fakeRelay{host: "127.0.0.1", port: addr.Port, dropQuit: dropQuit, data: make(chan string, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r.serve(conn)
	}()
	return r
}

func (r *fakeRelay) serve(conn net.Conn) {
	tp := textproto.NewConn(conn)
	reply := func(line string) { _ = tp.PrintfLine("%s", line) }
	reply("220 relay.test ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.Fields(line + " x")[0])
		switch verb {
		case "EHLO", "HELO":
			reply("250 relay.test")
		case "MAIL", "RCPT":
			reply("250 ok")
		case "DATA":
			reply("354 go ahead")
			body, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			r.data <- strings.Join(body, "\n")
			reply("250 queued")
		case "QUIT":
			if r.dropQuit {
				return
			}
			reply("221 bye")
			return
		default:
			reply("502 unsupported")
		}
	}
}

func TestSMTPMailerAcceptedMessageIgnoresQuitFailure(t *testing.T) {
	relay := startFakeRelay(t, true)
	m := &SMTPMailer{Host: relay.host, Port: relay.port, From: "alerts@flarealert.test", Timeout: 5 * time.Second}

	err := m.Send(context.Background(), EmailMessage{To: "ops@example.com", Subject: "flare", Body: "hello", ID: "notif-1"})
	require.NoError(t, err)

	select {
	case data := <-relay.data:
		assert.Contains(t, data, "Subject: flare")
		assert.Contains(t, data, "Message-ID: <notif-1@flarealert>")
	case <-time.After(time.Second):
		t.Fatal("relay never received the message")
	}
}

func TestSMTPMailerComposeKeepsSubjectOnOneLine(t *testing.T) {
	m := &SMTPMailer{From: "alerts@flarealert.test"}
	raw := string(m.compose(EmailMessage{
		To:      "ops@example.com",
		Subject: "x\r\nBcc: victim@example.com: flare probability 90%",
		Body:    "body",
	}))

	header, _, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)
	for _, line := range strings.Split(header, "\r\n") {
		assert.False(t, strings.HasPrefix(strings.ToLower(line), "bcc:"), "injected header line %q", line)
	}

	msg, err := textproto.NewReader(bufio.NewReader(strings.NewReader(raw))).ReadMIMEHeader()
	require.NoError(t, err)
	assert.Empty(t, msg.Get("Bcc"))
	assert.Len(t, msg.Values("Subject"), 1)
}

func TestSMTPMailerComposeEncodesNonASCIISubject(t *testing.T) {
	m := &SMTPMailer{From: "alerts@flarealert.test"}
	raw := string(m.compose(EmailMessage{To: "ops@example.com", Subject: "Sonnenaktivität ☀", Body: "body"}))
	assert.Contains(t, raw, "Subject: =?utf-8?q?")
	assert.NotContains(t, raw, "☀")
}
