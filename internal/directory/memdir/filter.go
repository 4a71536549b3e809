package memdir

import (
	"fmt"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"webldap/internal/directory"
)

type filter interface {
	match(e *directory.Entry) bool
}

type andFilter []filter

func (f andFilter) match(e *directory.Entry) bool {
	for _, sub := range f {
		if !sub.match(e) {
			return false
		}
	}
	return true
}

type orFilter []filter

func (f orFilter) match(e *directory.Entry) bool {
	for _, sub := range f {
		if sub.match(e) {
			return true
		}
	}
	return false
}

type notFilter struct{ inner filter }

func (f notFilter) match(e *directory.Entry) bool { return !f.inner.match(e) }

type presentFilter struct{ attr string }

func (f presentFilter) match(e *directory.Entry) bool {
	return len(e.Values(f.attr)) > 0 || strings.EqualFold(f.attr, "objectClass")
}

type equalFilter struct{ attr, value string }

func (f equalFilter) match(e *directory.Entry) bool {
	for _, v := range e.Values(f.attr) {
		if strings.EqualFold(v, f.value) || directory.SameDN(v, f.value) {
			return true
		}
	}
	return false
}

// parseFilter compiles s with the go-ldap filter parser and turns the BER
// tree into matchers. Only &, |, !, presence and equality are supported.
func parseFilter(s string) (filter, error) {
	p, err := ldap.CompileFilter(s)
	if err != nil {
		return nil, fmt.Errorf("memdir: %w", err)
	}
	return compile(p)
}

func compile(p *ber.Packet) (filter, error) {
	switch p.Tag {
	case ldap.FilterAnd, ldap.FilterOr:
		subs := make([]filter, 0, len(p.Children))
		for _, c := range p.Children {
			f, err := compile(c)
			if err != nil {
				return nil, err
			}
			subs = append(subs, f)
		}
		if p.Tag == ldap.FilterAnd {
			return andFilter(subs), nil
		}
		return orFilter(subs), nil
	case ldap.FilterNot:
		if len(p.Children) != 1 {
			return nil, fmt.Errorf("memdir: malformed negation")
		}
		inner, err := compile(p.Children[0])
		if err != nil {
			return nil, err
		}
		return notFilter{inner: inner}, nil
	case ldap.FilterPresent:
		return presentFilter{attr: p.Data.String()}, nil
	case ldap.FilterEqualityMatch:
		if len(p.Children) != 2 {
			return nil, fmt.Errorf("memdir: malformed equality match")
		}
		return equalFilter{attr: p.Children[0].Data.String(), value: p.Children[1].Data.String()}, nil
	default:
		return nil, fmt.Errorf("memdir: unsupported filter %s", ldap.FilterMap[uint64(p.Tag)])
	}
}
