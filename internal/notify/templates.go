package notify

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"webldap/internal/models"
)

type templateData struct {
	Name     string
	UID      string
	URL      string
	ExpireIn string
}

var (
	subjects = map[models.Kind]string{
		models.KindAccount: "Account creation",
		models.KindPasswd:  "Password change",
		models.KindEmail:   "Email address confirmation",
	}
	bodies = template.Must(template.New("").Parse(`
{{define "ACCOUNT"}}Hello {{.Name}},

An account was requested for you. Choose a nickname and a password here:

{{.URL}}

The link expires in {{.ExpireIn}}.
{{end}}
{{define "PASSWD"}}Hello {{.Name}},

A password change was requested for the account {{.UID}}. Set a new password here:

{{.URL}}

The link expires in {{.ExpireIn}}. If you did not ask for this, ignore this message.
{{end}}
{{define "EMAIL"}}Hello {{.Name}},

Confirm that this address should become the contact address of {{.UID}}:

{{.URL}}

You will have to log in. The link expires in {{.ExpireIn}}.
{{end}}`))
)

// RequestMessage renders the confirmation mail for a request of kind.
func RequestMessage(kind models.Kind, to, name, uid, url string, expireIn time.Duration) (Message, error) {
	subject, ok := subjects[kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", models.ErrUnknownKind, kind)
	}
	if name == "" {
		name = uid
	}
	var buf bytes.Buffer
	data := templateData{Name: name, UID: uid, URL: url, ExpireIn: humanDuration(expireIn)}
	if err := bodies.ExecuteTemplate(&buf, string(kind), data); err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, Body: buf.String()}, nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		n := int(d / (24 * time.Hour))
		if n == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", n)
	case d >= time.Hour && d%time.Hour == 0:
		n := int(d / time.Hour)
		if n == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", n)
	default:
		return d.String()
	}
}
