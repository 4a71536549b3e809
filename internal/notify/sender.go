package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	gomsg "github.com/emersion/go-message/mail"
	gomail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"webldap/internal/config"
	"webldap/internal/logger"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Prober is implemented by senders that can check their relay is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// LogSender writes the message to the log instead of mailing it. The body
// carries the confirmation link, so it is meant for development only.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	logger.From(ctx).Info("mail not sent (log sender)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

type SMTPSender struct {
	from    string
	timeout time.Duration
	dial    func(timeout time.Duration) (gomail.SendCloser, error)
	now     func() time.Time
}

func NewSender(cfg config.Config) Sender {
	if cfg.MailSender != "smtp" {
		return LogSender{}
	}
	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	d.SSL = cfg.SMTPTLS
	d.TLSConfig = &tls.Config{ServerName: cfg.SMTPHost, InsecureSkipVerify: cfg.SMTPInsecureSkipVerify}
	if !cfg.SMTPTLS && !cfg.SMTPStartTLS {
		d.StartTLSPolicy = gomail.NoStartTLS
	} else if cfg.SMTPStartTLS {
		d.StartTLSPolicy = gomail.MandatoryStartTLS
	}
	dial := func(timeout time.Duration) (gomail.SendCloser, error) {
		dd := *d
		dd.Timeout = timeout
		return dd.Dial()
	}
	return &SMTPSender{from: cfg.MailFrom, timeout: d.Timeout, dial: dial, now: time.Now}
}

// connect dials the relay with the read/write timeout cut to what is left of
// ctx.
func (s *SMTPSender) connect(ctx context.Context) (gomail.SendCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = max(left, time.Millisecond)
		}
	}
	sc, err := s.dial(timeout)
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}
	return sc, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	raw, err := Compose(s.from, msg, s.now())
	if err != nil {
		return err
	}
	sc, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sc.Send(s.from, []string{msg.To}, bytes.NewBuffer(raw)); err != nil {
		logger.From(ctx).Error("smtp send failed", zap.String("to", msg.To), zap.Error(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	logger.From(ctx).Info("mail sent", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

// Probe opens and closes one relay connection, including authentication
// and STARTTLS when configured.
func (s *SMTPSender) Probe(ctx context.Context) error {
	sc, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return sc.Close()
}

// Compose renders msg as a single-part UTF-8 text message.
func Compose(from string, msg Message, now time.Time) ([]byte, error) {
	fromAddr, err := gomsg.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}
	toAddr, err := gomsg.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("parse recipient address: %w", err)
	}
	var h gomsg.Header
	h.SetDate(now)
	h.SetAddressList("From", []*gomsg.Address{fromAddr})
	h.SetAddressList("To", []*gomsg.Address{toAddr})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := gomsg.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
