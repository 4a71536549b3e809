package directory

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Layout knows where things live under the base DN.
type Layout struct {
	Base       string
	AdminRole  string
	SSHGroup   string
	SudoGroup  string
	UsersOU    string
	OrgsOU     string
	AccessesOU string
	PosixOU    string
	RolesOU    string
}

func NewLayout(base string) Layout {
	return Layout{
		Base:       strings.TrimSpace(base),
		AdminRole:  "admin",
		SSHGroup:   "ssh",
		SudoGroup:  "sudoldap",
		UsersOU:    "ou=users",
		OrgsOU:     "ou=associations",
		AccessesOU: "ou=accesses,ou=groups",
		PosixOU:    "ou=posix,ou=groups",
		RolesOU:    "ou=roles",
	}
}

func (l Layout) under(ou string) string { return ou + "," + l.Base }

func (l Layout) UsersBase() string        { return l.under(l.UsersOU) }
func (l Layout) OrgsBase() string         { return l.under(l.OrgsOU) }
func (l Layout) AccessGroupsBase() string { return l.under(l.AccessesOU) }
func (l Layout) PosixGroupsBase() string  { return l.under(l.PosixOU) }
func (l Layout) RolesBase() string        { return l.under(l.RolesOU) }

func (l Layout) UserDN(uid string) string {
	return fmt.Sprintf("uid=%s,%s", ldap.EscapeDN(uid), l.UsersBase())
}

func (l Layout) OrgDN(o string) string {
	return fmt.Sprintf("o=%s,%s", ldap.EscapeDN(o), l.OrgsBase())
}

func (l Layout) AccessGroupDN(cn string) string {
	return fmt.Sprintf("cn=%s,%s", ldap.EscapeDN(cn), l.AccessGroupsBase())
}

func (l Layout) PosixGroupDN(cn string) string {
	return fmt.Sprintf("cn=%s,%s", ldap.EscapeDN(cn), l.PosixGroupsBase())
}

func (l Layout) RoleDN(cn string) string {
	return fmt.Sprintf("cn=%s,%s", ldap.EscapeDN(cn), l.RolesBase())
}

func (l Layout) AdminRoleDN() string { return l.RoleDN(l.AdminRole) }
func (l Layout) SSHGroupDN() string  { return l.AccessGroupDN(l.SSHGroup) }
func (l Layout) SudoGroupDN() string { return l.PosixGroupDN(l.SudoGroup) }

// Filter builds an equality filter with the value escaped.
func Filter(attr, value string) string {
	return fmt.Sprintf("(%s=%s)", attr, ldap.EscapeFilter(value))
}

// And joins filters with &.
func And(filters ...string) string {
	return "(&" + strings.Join(filters, "") + ")"
}

// SameDN compares two DNs attribute-type and case-insensitively. Unparseable
// input falls back to a case-insensitive string comparison.
func SameDN(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	da, err := ldap.ParseDN(a)
	if err != nil {
		return false
	}
	db, err := ldap.ParseDN(b)
	if err != nil {
		return false
	}
	return da.EqualFold(db)
}

// RDNValue returns the value of the first RDN of dn, e.g. "alice" for
// "uid=alice,ou=users,dc=example,dc=org".
func RDNValue(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return ""
	}
	return parsed.RDNs[0].Attributes[0].Value
}
