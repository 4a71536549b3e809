package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownKind = errors.New("unknown request kind")

type Kind string

const (
	KindAccount Kind = "ACCOUNT"
	KindPasswd  Kind = "PASSWD"
	KindEmail   Kind = "EMAIL"
)

// Payload is the kind-specific part of a Request. The unexported method keeps
// the set of variants closed to this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// AccountPayload creates the account UID, optionally joining OrgUID.
type AccountPayload struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	OrgUID string `json:"org_uid,omitempty"`
}

// PasswdPayload resets the password of UID.
type PasswdPayload struct{}

// EmailPayload replaces the mail address of UID.
type EmailPayload struct {
	Email string `json:"email"`
}

func (AccountPayload) Kind() Kind { return KindAccount }
func (PasswdPayload) Kind() Kind  { return KindPasswd }
func (EmailPayload) Kind() Kind   { return KindEmail }

func (AccountPayload) isPayload() {}
func (PasswdPayload) isPayload()  {}
func (EmailPayload) isPayload()   {}

// EncodePayload returns the persisted form of p.
func EncodePayload(p Payload) (Kind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: nil payload", ErrUnknownKind)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), b, nil
}

func DecodePayload(kind Kind, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindAccount:
		var v AccountPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindPasswd:
		var v PasswdPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindEmail:
		var v EmailPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// Request is a pending confirmation. Only the SHA-256 of the mailed token is
// kept.
type Request struct {
	TokenHash string
	UID       string
	Payload   Payload
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (r Request) Kind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

type Session struct {
	ID            string
	UID           string
	BindDN        string
	TokenHash     string
	BindSecret    string
	IsAdmin       *bool
	AdminChecked  *time.Time
	IPHint        string
	UserAgentHash string
	ExpiresAt     time.Time
	IdleExpiresAt time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
	RevokedAt     *time.Time
}
