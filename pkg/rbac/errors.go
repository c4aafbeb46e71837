package rbac

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a role, permission or principal does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateCode is returned when a permission code is already taken
	ErrDuplicateCode = errors.New("permission code already exists")

	// ErrDuplicateName is returned when a role name is already taken
	ErrDuplicateName = errors.New("role name already exists")

	// ErrImmutableRole is returned on any attempt to edit or delete a system role
	ErrImmutableRole = errors.New("system roles cannot be modified or deleted")

	// ErrCyclicInheritance is returned when a parent assignment would close a loop
	ErrCyclicInheritance = errors.New("role inheritance would create a cycle")

	// ErrRoleInUse is returned when deleting a role still assigned to admin users
	ErrRoleInUse = errors.New("role is assigned to one or more admin users")

	// ErrInvalidInput is returned for malformed operation arguments
	ErrInvalidInput = errors.New("invalid input")
)

func notFound(entity string, key interface{}) error {
	return fmt.Errorf("%s %v: %w", entity, key, ErrNotFound)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// uniqueViolation reports whether err is a PostgreSQL unique_violation
func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
