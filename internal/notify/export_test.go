package notify

import (
	"io"

	"github.com/emersion/go-sasl"
)

func (m *Mail) SetSend(f func(addr string, a sasl.Client, from string, to []string, r io.Reader) error) {
	m.send = f
}
