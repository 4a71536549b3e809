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
	"webldap/internal/util"
)

type OrgMembership struct {
	UID     string `json:"uid"`
	Name    string `json:"name"`
	IsOwner bool   `json:"is_owner"`
}

type Profile struct {
	UID     string          `json:"uid"`
	Name    string          `json:"name"`
	Nick    string          `json:"nick"`
	Email   string          `json:"email"`
	IsAdmin bool            `json:"is_admin"`
	Orgs    []OrgMembership `json:"orgs"`
	Groups  []string        `json:"groups"`
}

// ProfileUpdate holds the editable fields; empty Password and Email leave
// them unchanged.
type ProfileUpdate struct {
	Name     string `json:"name"`
	Nick     string `json:"nick"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type ProfileResult struct {
	PasswordChanged bool `json:"password_changed"`
	EmailPending    bool `json:"email_pending"`
}

func (s *Service) Profile(ctx context.Context, a *Actor) (Profile, error) {
	me, err := a.Conn.Get(ctx, a.DN)
	if err != nil {
		return Profile{}, dirErr("read profile", err)
	}
	p := Profile{UID: a.UID, IsAdmin: a.IsAdmin, Orgs: []OrgMembership{}, Groups: []string{}}
	if p.Nick, err = single(me, "cn"); err != nil {
		return Profile{}, err
	}
	if p.Email, err = single(me, "mail"); err != nil {
		return Profile{}, err
	}
	p.Name = first(me, "displayName")

	orgs, err := a.Conn.Search(ctx, s.layout.OrgsBase(), directory.Filter("uniqueMember", a.DN))
	if err != nil {
		return Profile{}, dirErr("search orgs", err)
	}
	for _, o := range orgs {
		p.Orgs = append(p.Orgs, OrgMembership{UID: first(o, "o"), Name: first(o, "cn"), IsOwner: o.Has("owner", a.DN)})
	}
	groups, err := a.Conn.Search(ctx, s.layout.AccessGroupsBase(), directory.Filter("uniqueMember", a.DN))
	if err != nil {
		return Profile{}, dirErr("search groups", err)
	}
	roles, err := a.Conn.Search(ctx, s.layout.RolesBase(), directory.Filter("roleOccupant", a.DN))
	if err != nil {
		return Profile{}, dirErr("search roles", err)
	}
	for _, g := range append(groups, roles...) {
		p.Groups = append(p.Groups, first(g, "cn"))
	}
	sort.Slice(p.Orgs, func(i, j int) bool { return p.Orgs[i].UID < p.Orgs[j].UID })
	sort.Strings(p.Groups)
	return p, nil
}

// UpdateProfile applies name and nick changes, then the password, then starts
// an email change. A failure stops at that step; earlier steps stay applied.
func (s *Service) UpdateProfile(ctx context.Context, a *Actor, u ProfileUpdate) (ProfileResult, error) {
	var res ProfileResult
	me, err := a.Conn.Get(ctx, a.DN)
	if err != nil {
		return res, dirErr("read profile", err)
	}
	nick := strings.TrimSpace(u.Nick)
	name := strings.TrimSpace(u.Name)
	curNick, err := single(me, "cn")
	if err != nil {
		return res, err
	}
	curName := first(me, "displayName")
	if nick == "" {
		nick = curNick
	}
	if name == "" {
		name = curName
	}

	if nick != curNick || name != curName {
		if err := validateNick(nick); err != nil {
			return res, err
		}
		if nick != curNick {
			taken, err := s.nickTaken(ctx, a.Conn, nick, a.DN)
			if err != nil {
				return res, err
			}
			if taken {
				return res, ErrHandleTaken
			}
		}
		err := a.Conn.Modify(ctx, a.DN,
			directory.Modification{Op: directory.ModReplace, Attr: "displayName", Values: []string{name}},
			directory.Modification{Op: directory.ModReplace, Attr: "cn", Values: []string{nick}},
		)
		if errors.Is(err, directory.ErrConstraint) || errors.Is(err, directory.ErrAlreadyExists) {
			return res, fmt.Errorf("%w: %v", ErrHandleTaken, err)
		}
		if err != nil {
			return res, dirErr("update profile", err)
		}
	}

	if u.Password != "" {
		if err := s.ValidatePassword(u.Password); err != nil {
			return res, err
		}
		if err := a.Conn.SetPassword(ctx, a.DN, u.Password); err != nil {
			return res, passwordErr(err)
		}
		res.PasswordChanged = true
		secret, err := util.EncryptString(s.encryptKey, u.Password)
		if err != nil {
			return res, err
		}
		if err := s.st.UpdateSessionSecret(ctx, a.Session.ID, secret); err != nil {
			logger.From(ctx).Warn("refresh session secret", zap.String("uid", a.UID), zap.Error(err))
		}
		a.Session.BindSecret = secret
	}

	if email := strings.TrimSpace(u.Email); email != "" && !strings.EqualFold(email, first(me, "mail")) {
		if err := s.RequestEmailChange(ctx, a, email); err != nil {
			return res, err
		}
		res.EmailPending = true
	}
	return res, nil
}
