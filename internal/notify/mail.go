package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Mail sends events by email.
type Mail struct {
	server   string
	from     string
	password string
	to       []string
	send     sendFunc
}

func NewMail(cfg model.SMTP) *Mail {
	return &Mail{
		server:   cfg.Server,
		from:     cfg.From,
		password: cfg.Password,
		to:       cfg.To,
		send:     smtp.SendMail,
	}
}

func (m *Mail) recipients(e Event) []string {
	to := slices.Clone(m.to)
	if e.Recipient.Email != "" && !slices.Contains(to, e.Recipient.Email) {
		to = append(to, e.Recipient.Email)
	}
	return to
}

func (m *Mail) Notify(ctx context.Context, e Event) error {
	to := m.recipients(e)
	if len(to) == 0 {
		slog.DebugContext(ctx, "no mail recipients", "event", e.Type.String())
		return nil
	}

	buf := bytes.NewBufferString("To: " + strings.Join(to, ",") + "\r\n" +
		"Subject: " + e.Subject() + "\r\n" +
		"\r\n")
	encoder := json.NewEncoder(buf)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(e); err != nil {
		return err
	}

	var auth sasl.Client
	if m.password != "" {
		auth = sasl.NewPlainClient("", m.from, m.password)
	}
	return m.send(m.server, auth, m.from, to, buf)
}
