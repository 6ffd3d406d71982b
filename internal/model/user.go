package model

import (
	"fmt"
	"strings"
)

// Permission is an ordered access level. A higher level implies all the lower ones.
type Permission int

const (
	PermissionGuest Permission = iota
	PermissionSubmitter
	PermissionAdministrator
)

var permissionNames = map[Permission]string{
	PermissionGuest:         "guest",
	PermissionSubmitter:     "submitter",
	PermissionAdministrator: "administrator",
}

func (p Permission) String() string {
	if s, ok := permissionNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Permission(%d)", int(p))
}

func ParsePermission(s string) (Permission, error) {
	for p, name := range permissionNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return PermissionGuest, fmt.Errorf("unknown permission %q", s)
}

type User struct {
	ID         int64
	Name       string
	FirstName  string
	LastName   string
	Email      string
	Permission Permission
}

// Can reports whether the user holds at least the given permission.
func (u User) Can(p Permission) bool {
	return u.Permission >= p
}

func (u User) String() string {
	return u.Name
}
