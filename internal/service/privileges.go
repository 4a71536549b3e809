package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"webldap/internal/directory"
	"webldap/internal/logger"
)

const (
	shadowMax     = "99999"
	shadowMin     = "0"
	shadowWarning = "7"
)

// loginName derives the POSIX login from a nickname by keeping ASCII
// letters only.
func loginName(nick string) string {
	var b strings.Builder
	for _, r := range nick {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Service) readUser(ctx context.Context, conn directory.Conn, uid string) (*directory.Entry, error) {
	user, err := conn.Get(ctx, s.layout.UserDN(uid))
	if err != nil {
		return nil, dirErr("read user "+uid, err)
	}
	return user, nil
}

// usedIDs collects every uidNumber and gidNumber in the tree.
func (s *Service) usedIDs(ctx context.Context, conn directory.Conn) (map[int]bool, error) {
	used := map[int]bool{}
	for _, attr := range []string{"uidNumber", "gidNumber"} {
		found, err := conn.Search(ctx, s.layout.Base, "("+attr+"=*)")
		if err != nil {
			return nil, dirErr("search "+attr, err)
		}
		for _, e := range found {
			for _, v := range e.Values(attr) {
				if n, err := strconv.Atoi(v); err == nil {
					used[n] = true
				}
			}
		}
	}
	return used, nil
}

// makePosix turns user into a POSIX account with a personal group. The
// number is the first one from PosixIDMin unused as uid and gid.
func (s *Service) makePosix(ctx context.Context, conn directory.Conn, user *directory.Entry) error {
	nick, err := single(user, "cn")
	if err != nil {
		return err
	}
	login := loginName(nick)
	if login == "" {
		return fmt.Errorf("%w: nickname %q has no letters to build a login from", ErrInvalidInput, nick)
	}
	taken, err := conn.Search(ctx, s.layout.Base, directory.Filter("netFederezUID", login))
	if err != nil {
		return dirErr("search login", err)
	}
	if len(taken) > 0 {
		return fmt.Errorf("%w: login %s is already used", ErrHandleTaken, login)
	}
	used, err := s.usedIDs(ctx, conn)
	if err != nil {
		return err
	}
	id := s.cfg.PosixIDMin
	for used[id] {
		id++
	}
	number := strconv.Itoa(id)

	var classes []string
	for _, c := range []string{"shadowAccount", "netFederezUser", "posixAccount"} {
		if !hasObjectClass(user, c) {
			classes = append(classes, c)
		}
	}
	mods := []directory.Modification{
		{Op: directory.ModReplace, Attr: "uidNumber", Values: []string{number}},
		{Op: directory.ModReplace, Attr: "gidNumber", Values: []string{number}},
		{Op: directory.ModReplace, Attr: "homeDirectory", Values: []string{s.cfg.PosixHomeBase + "/" + nick}},
		{Op: directory.ModReplace, Attr: "loginShell", Values: []string{s.cfg.PosixLoginShell}},
		{Op: directory.ModReplace, Attr: "netFederezUID", Values: []string{login}},
		{Op: directory.ModReplace, Attr: "shadowMax", Values: []string{shadowMax}},
		{Op: directory.ModReplace, Attr: "shadowMin", Values: []string{shadowMin}},
		{Op: directory.ModReplace, Attr: "shadowWarning", Values: []string{shadowWarning}},
	}
	if len(classes) > 0 {
		mods = append([]directory.Modification{{Op: directory.ModAdd, Attr: "objectClass", Values: classes}}, mods...)
	}
	if err := conn.Modify(ctx, user.DN, mods...); err != nil {
		return dirErr("add posix attributes", err)
	}

	group := directory.NewEntry(s.layout.PosixGroupDN(login))
	group.Set("objectClass", "posixGroup")
	group.Set("cn", login)
	group.Set("gidNumber", number)
	group.Set("memberUid", login)
	err = conn.Add(ctx, group)
	if errors.Is(err, directory.ErrAlreadyExists) {
		err = conn.Modify(ctx, group.DN,
			directory.Modification{Op: directory.ModReplace, Attr: "gidNumber", Values: []string{number}},
			directory.Modification{Op: directory.ModReplace, Attr: "memberUid", Values: []string{login}},
		)
	}
	if err != nil {
		return dirErr("write posix group", err)
	}
	logger.From(ctx).Info("posix account created", zap.String("dn", user.DN), zap.String("login", login), zap.Int("id", id))
	return nil
}

// EnableSSH grants SSH access, creating the POSIX attributes on first use.
func (s *Service) EnableSSH(ctx context.Context, a *Actor, userUID string) error {
	if !a.IsAdmin {
		return ErrForbidden
	}
	user, err := s.readUser(ctx, a.Conn, userUID)
	if err != nil {
		return err
	}
	if !hasObjectClass(user, "netFederezUser") {
		if err := s.makePosix(ctx, a.Conn, user); err != nil {
			return err
		}
	}
	if err := directory.AddToSet(ctx, a.Conn, s.layout.SSHGroupDN(), "uniqueMember", user.DN); err != nil {
		return dirErr("add to ssh group", err)
	}
	logger.From(ctx).Info("ssh access granted", zap.String("uid", userUID), zap.String("by", a.UID))
	return nil
}

func (s *Service) DisableSSH(ctx context.Context, a *Actor, userUID string) error {
	if !a.IsAdmin {
		return ErrForbidden
	}
	if err := directory.RemoveFromSet(ctx, a.Conn, s.layout.SSHGroupDN(), "uniqueMember", s.layout.UserDN(userUID)); err != nil {
		return dirErr("remove from ssh group", err)
	}
	logger.From(ctx).Info("ssh access revoked", zap.String("uid", userUID), zap.String("by", a.UID))
	return nil
}

// EnableAdmin adds the admin role and sudo rights. The user must already
// have POSIX attributes (see EnableSSH).
func (s *Service) EnableAdmin(ctx context.Context, a *Actor, userUID string) error {
	if !a.IsAdmin {
		return ErrForbidden
	}
	user, err := s.readUser(ctx, a.Conn, userUID)
	if err != nil {
		return err
	}
	login, err := single(user, "netFederezUID")
	if err != nil {
		return err
	}
	if !hasObjectClass(user, "netFederezUser") || login == "" {
		return fmt.Errorf("%w: grant ssh access first", ErrInvalidInput)
	}
	if err := directory.AddToSet(ctx, a.Conn, s.layout.SudoGroupDN(), "memberUid", login); err != nil {
		return dirErr("add to sudo group", err)
	}
	if err := directory.AddToSet(ctx, a.Conn, s.layout.AdminRoleDN(), "roleOccupant", user.DN); err != nil {
		return dirErr("add admin role", err)
	}
	logger.From(ctx).Info("admin granted", zap.String("uid", userUID), zap.String("by", a.UID))
	return nil
}

func (s *Service) DisableAdmin(ctx context.Context, a *Actor, userUID string) error {
	if !a.IsAdmin {
		return ErrForbidden
	}
	user, err := s.readUser(ctx, a.Conn, userUID)
	if err != nil {
		return err
	}
	login, err := single(user, "netFederezUID")
	if err != nil {
		return err
	}
	if login != "" {
		if err := directory.RemoveFromSet(ctx, a.Conn, s.layout.SudoGroupDN(), "memberUid", login); err != nil {
			return dirErr("remove from sudo group", err)
		}
	}
	if err := directory.RemoveFromSet(ctx, a.Conn, s.layout.AdminRoleDN(), "roleOccupant", user.DN); err != nil {
		return dirErr("remove admin role", err)
	}
	logger.From(ctx).Info("admin revoked", zap.String("uid", userUID), zap.String("by", a.UID))
	return nil
}
