package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Permissions understood by the API routes.
const (
	PermissionTasksRead          = "tasks:read"
	PermissionTasksWrite         = "tasks:write"
	PermissionEscalationsResolve = "escalations:resolve"
	PermissionAll                = "*"
)

// Store resolves bearer tokens to subjects. Implementations must be safe for
// concurrent use.
type Store interface {
	LookupToken(ctx context.Context, token string) (*Subject, error)
}

// Subject is the caller identity attached to an authenticated request.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
// The "*" permission grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone creates a copy of the subject that callers may mutate freely.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeStatic   Mode = "static"
)

// Config configures the authentication service.
type Config struct {
	Mode  Mode
	Seeds []Seed
}

// Seed declares one bearer token and what it may do.
type Seed struct {
	Name        string
	Token       string
	Permissions []string
	Disabled    bool
}
