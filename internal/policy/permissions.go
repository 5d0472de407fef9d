package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names a guild capability granted through role membership.
type Kind string

const (
	KindCreate  Kind = "create"
	KindConfirm Kind = "confirm"
)

// PermissionMap is a guild's role-to-capability policy. A role may appear in
// both lists.
type PermissionMap struct {
	CreateRoles  RoleList `json:"create_roles" yaml:"create_roles"`
	ConfirmRoles RoleList `json:"confirm_roles" yaml:"confirm_roles"`
}

// Roles returns the role ids that grant kind. It panics on an unknown kind.
func (p PermissionMap) Roles(kind Kind) []string {
	switch kind {
	case KindCreate:
		return p.CreateRoles
	case KindConfirm:
		return p.ConfirmRoles
	default:
		panic(fmt.Sprintf("policy: unknown permission kind %q", string(kind)))
	}
}

// Clone returns a deep copy so snapshots held by pending tasks do not alias
// the store's slices.
func (p PermissionMap) Clone() PermissionMap {
	return PermissionMap{
		CreateRoles:  append(RoleList(nil), p.CreateRoles...),
		ConfirmRoles: append(RoleList(nil), p.ConfirmRoles...),
	}
}

// HasPermission reports whether any of roleIDs is listed for kind in perms.
// Role ids are opaque strings. It panics on an unknown kind.
func HasPermission(roleIDs []string, perms PermissionMap, kind Kind) bool {
	allowed := perms.Roles(kind)
	if len(roleIDs) == 0 || len(allowed) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[strings.TrimSpace(id)] = struct{}{}
	}
	for _, id := range roleIDs {
		if _, ok := set[strings.TrimSpace(id)]; ok {
			return true
		}
	}
	return false
}

// RoleList holds role ids as strings. Dashboards sometimes write platform
// snowflakes as JSON numbers; those are decoded without a float round trip.
type RoleList []string

func (r *RoleList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode role list: %w", err)
	}
	out := make(RoleList, 0, len(raw))
	for _, v := range raw {
		switch id := v.(type) {
		case string:
			out = append(out, id)
		case json.Number:
			out = append(out, id.String())
		default:
			return fmt.Errorf("decode role list: unsupported role id %v", v)
		}
	}
	*r = out
	return nil
}
