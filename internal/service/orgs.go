package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"webldap/internal/directory"
	"webldap/internal/logger"
)

type Member struct {
	UID     string `json:"uid"`
	Name    string `json:"name"`
	Owner   bool   `json:"owner"`
	IsAdmin bool   `json:"is_admin"`
	IsSSH   bool   `json:"is_ssh"`
}

type Org struct {
	UID     string   `json:"uid"`
	Name    string   `json:"name"`
	IsOwner bool     `json:"is_owner"`
	Members []Member `json:"members"`
}

func (s *Service) loadOrg(ctx context.Context, conn directory.Conn, orgUID string) (*directory.Entry, error) {
	if strings.TrimSpace(orgUID) == "" {
		return nil, fmt.Errorf("%w: organization is required", ErrInvalidInput)
	}
	org, err := conn.Get(ctx, s.layout.OrgDN(orgUID))
	if err != nil {
		return nil, dirErr("read organization "+orgUID, err)
	}
	return org, nil
}

// getOrEmpty reads dn, treating a missing entry as one without attributes.
func getOrEmpty(ctx context.Context, conn directory.Conn, dn string) (*directory.Entry, error) {
	e, err := conn.Get(ctx, dn)
	if errors.Is(err, directory.ErrNoSuchEntry) {
		return directory.NewEntry(dn), nil
	}
	return e, err
}

// CreateOrg adds an organization with the admin as first member.
func (s *Service) CreateOrg(ctx context.Context, a *Actor, orgUID, name string) error {
	if !a.IsAdmin {
		return ErrForbidden
	}
	orgUID = strings.TrimSpace(orgUID)
	name = strings.TrimSpace(name)
	if err := validateUID(orgUID); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	e := directory.NewEntry(s.layout.OrgDN(orgUID))
	e.Set("objectClass", "groupOfUniqueNames")
	e.Set("o", orgUID)
	e.Set("cn", name)
	e.Set("uniqueMember", a.DN)
	if err := a.Conn.Add(ctx, e); err != nil {
		if errors.Is(err, directory.ErrAlreadyExists) {
			return fmt.Errorf("%w: organization %s exists", ErrConflict, orgUID)
		}
		return dirErr("add organization", err)
	}
	logger.From(ctx).Info("organization created", zap.String("org", orgUID), zap.String("by", a.UID))
	return nil
}

// Org lists an organization with per-member owner, admin and SSH flags.
func (s *Service) Org(ctx context.Context, a *Actor, orgUID string) (Org, error) {
	org, err := s.loadOrg(ctx, a.Conn, orgUID)
	if err != nil {
		return Org{}, err
	}
	admin, err := getOrEmpty(ctx, a.Conn, s.layout.AdminRoleDN())
	if err != nil {
		return Org{}, dirErr("read admin role", err)
	}
	ssh, err := getOrEmpty(ctx, a.Conn, s.layout.SSHGroupDN())
	if err != nil {
		return Org{}, dirErr("read ssh group", err)
	}
	out := Org{UID: orgUID, Name: first(org, "cn"), IsOwner: org.Has("owner", a.DN), Members: []Member{}}
	for _, dn := range org.Values("uniqueMember") {
		m, err := a.Conn.Get(ctx, dn)
		if errors.Is(err, directory.ErrNoSuchEntry) {
			continue
		}
		if err != nil {
			return Org{}, dirErr("read member", err)
		}
		out.Members = append(out.Members, Member{
			UID:     first(m, "uid"),
			Name:    first(m, "displayName"),
			Owner:   org.Has("owner", m.DN),
			IsAdmin: admin.Has("roleOccupant", m.DN),
			IsSSH:   ssh.Has("uniqueMember", m.DN),
		})
	}
	sort.Slice(out.Members, func(i, j int) bool { return out.Members[i].UID < out.Members[j].UID })
	return out, nil
}

// SetOwner promotes userUID to owner of orgUID, or relegates them. Owners and
// admins may do this.
func (s *Service) SetOwner(ctx context.Context, a *Actor, orgUID, userUID string, owner bool) error {
	org, err := s.loadOrg(ctx, a.Conn, orgUID)
	if err != nil {
		return err
	}
	userDN := s.layout.UserDN(userUID)
	if _, err := a.Conn.Get(ctx, userDN); err != nil {
		return dirErr("read user "+userUID, err)
	}
	if !org.Has("owner", a.DN) && !a.IsAdmin {
		return ErrForbidden
	}
	if owner {
		err = directory.AddToSet(ctx, a.Conn, org.DN, "owner", userDN)
	} else {
		err = directory.RemoveFromSet(ctx, a.Conn, org.DN, "owner", userDN)
	}
	if err != nil {
		return dirErr("update owners", err)
	}
	logger.From(ctx).Info("organization owner changed",
		zap.String("org", orgUID), zap.String("uid", userUID), zap.Bool("owner", owner), zap.String("by", a.UID))
	return nil
}

// AdminOrgs lists every organization.
func (s *Service) AdminOrgs(ctx context.Context, a *Actor) ([]OrgMembership, error) {
	if !a.IsAdmin {
		return nil, ErrForbidden
	}
	found, err := a.Conn.Search(ctx, s.layout.OrgsBase(), directory.Filter("objectClass", "groupOfUniqueNames"))
	if err != nil {
		return nil, dirErr("search orgs", err)
	}
	out := make([]OrgMembership, 0, len(found))
	for _, o := range found {
		out = append(out, OrgMembership{UID: first(o, "o"), Name: first(o, "cn"), IsOwner: o.Has("owner", a.DN)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}
