package delivery

import (
	"context"

	"github.com/templui/authmail/internal/model"
)

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type Receipt struct {
	MessageID string `json:"message_id"`
	Provider  string `json:"provider"`
	Attempts  int    `json:"attempts"`
}

// Transport hands a rendered message to an email provider.
type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
	Name() string
}

// Renderer turns a code into the subject and body of its email. The
// returned message has no recipient.
type Renderer interface {
	Render(codeType model.CodeType, code string) (Message, error)
}

type Request struct {
	To   string
	Type model.CodeType
	Code string
}
