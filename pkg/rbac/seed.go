package rbac

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/storyloom/storyloom/pkg/audit"
)

// Seed declares the bootstrap catalog, role graph and first administrator
type Seed struct {
	Permissions []SeedPermission `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
	SuperAdmin  *SeedPrincipal   `yaml:"super_admin,omitempty"`
}

// SeedPermission is a catalog entry in a seed file
type SeedPermission struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description,omitempty"`
	Resource    string `yaml:"resource,omitempty"`
}

// SeedRole is a role in a seed file. Parent and Permissions refer to other
// seed entries or to rows that already exist.
type SeedRole struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Parent      string   `yaml:"parent,omitempty"`
	System      bool     `yaml:"system,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
}

// SeedPrincipal is the administrator created with the super-admin role
type SeedPrincipal struct {
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name,omitempty"`
}

// SeedResult counts the rows a seed run created
type SeedResult struct {
	PermissionsCreated int  `json:"permissions_created"`
	RolesCreated       int  `json:"roles_created"`
	LinksCreated       int  `json:"links_created"`
	PrincipalCreated   bool `json:"principal_created"`
}

// Changed reports whether the run wrote anything
func (r *SeedResult) Changed() bool {
	return r.PermissionsCreated > 0 || r.RolesCreated > 0 || r.LinksCreated > 0 || r.PrincipalCreated
}

// ParseSeed decodes a YAML seed, rejecting unknown keys
func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &seed, nil
		}
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &seed, nil
}

// LoadSeed reads a YAML seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(bytes.NewReader(data))
}

// Validate checks the seed on its own: well-formed codes, unique names and
// an acyclic parent graph among seed roles.
func (s *Seed) Validate() error {
	codes := map[string]bool{}
	for _, p := range s.Permissions {
		if _, err := newPermission(CreatePermissionInput{Code: p.Code}); err != nil {
			return err
		}
		if codes[p.Code] {
			return invalid("seed declares permission %q twice", p.Code)
		}
		codes[p.Code] = true
	}

	parents := map[string]string{}
	for _, r := range s.Roles {
		if strings.TrimSpace(r.Name) == "" {
			return invalid("seed role without a name")
		}
		if _, dup := parents[r.Name]; dup {
			return invalid("seed declares role %q twice", r.Name)
		}
		parents[r.Name] = r.Parent
	}

	for name := range parents {
		seen := map[string]bool{}
		for cur := name; cur != ""; cur = parents[cur] {
			if seen[cur] {
				return fmt.Errorf("seed role %q: %w", name, ErrCyclicInheritance)
			}
			seen[cur] = true
		}
	}

	if s.SuperAdmin != nil && strings.TrimSpace(s.SuperAdmin.Username) == "" {
		return invalid("super_admin requires a username")
	}
	return nil
}

// orderedRoles returns seed roles with every parent before its children
func (s *Seed) orderedRoles() []SeedRole {
	byName := make(map[string]SeedRole, len(s.Roles))
	for _, r := range s.Roles {
		byName[r.Name] = r
	}

	var ordered []SeedRole
	placed := map[string]bool{}
	var place func(r SeedRole)
	place = func(r SeedRole) {
		if placed[r.Name] {
			return
		}
		placed[r.Name] = true
		if parent, ok := byName[r.Parent]; ok {
			place(parent)
		}
		ordered = append(ordered, r)
	}
	for _, r := range s.Roles {
		place(r)
	}
	return ordered
}

// ApplySeed creates whatever the seed declares that does not exist yet.
// Existing permissions, roles and principals are never modified, and a
// role's permission links are only written when the role is created, so
// the seed can be applied on every start. All writes share one transaction.
func (m *Manager) ApplySeed(ctx context.Context, seed *Seed, logger logrus.FieldLogger) (*SeedResult, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}

	result := &SeedResult{}
	err := m.store.WithTx(ctx, func(tx *Store) error {
		for _, sp := range seed.Permissions {
			created, err := seedPermission(ctx, tx, sp)
			if err != nil {
				return err
			}
			if created {
				result.PermissionsCreated++
				logger.WithField("code", sp.Code).Info("Seeded permission")
			}
		}

		for _, sr := range seed.orderedRoles() {
			created, links, err := m.seedRole(ctx, tx, sr)
			if err != nil {
				return err
			}
			if created {
				result.RolesCreated++
				logger.WithField("role", sr.Name).Info("Seeded role")
			}
			result.LinksCreated += links
		}

		if seed.SuperAdmin != nil {
			created, err := m.seedSuperAdmin(ctx, tx, seed.SuperAdmin)
			if err != nil {
				return err
			}
			if created {
				result.PrincipalCreated = true
				logger.WithField("username", seed.SuperAdmin.Username).Info("Seeded super admin")
			}
		}
		return nil
	})
	if err != nil {
		m.metrics.RecordMutation("apply_seed", err)
		if auditErr := audit.LogDataMutation(ctx, m.audit, audit.EventTypeSeedApply, audit.ResourceTypeCatalog, "seed", nil, err); auditErr != nil {
			logger.WithError(auditErr).Warn("Failed to write seed audit event")
		}
		return nil, err
	}

	if !result.Changed() {
		logger.Debug("Seed already applied")
		return result, nil
	}

	return result, m.finish(ctx, "apply_seed", audit.EventTypeSeedApply, audit.ResourceTypeCatalog,
		"seed", &audit.ChangeDetails{After: result}, nil)
}

func seedPermission(ctx context.Context, tx *Store, sp SeedPermission) (bool, error) {
	if _, err := tx.GetPermissionByCode(ctx, sp.Code); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	perm, err := newPermission(CreatePermissionInput{
		Code:        sp.Code,
		Description: sp.Description,
		Resource:    sp.Resource,
	})
	if err != nil {
		return false, err
	}
	return true, tx.CreatePermission(ctx, perm)
}

func (m *Manager) seedRole(ctx context.Context, tx *Store, sr SeedRole) (bool, int, error) {
	role, err := tx.GetRoleByName(ctx, sr.Name)
	created := false
	switch {
	case errors.Is(err, ErrNotFound):
		role = &Role{
			Name:        sr.Name,
			DisplayName: sr.DisplayName,
			Description: sr.Description,
			IsSystem:    sr.System || sr.Name == m.resolver.SuperAdminRoleName(),
			IsActive:    true,
		}
		if role.DisplayName == "" {
			role.DisplayName = sr.Name
		}
		if sr.Parent != "" {
			parent, err := tx.GetRoleByName(ctx, sr.Parent)
			if err != nil {
				return false, 0, fmt.Errorf("seed role %q parent: %w", sr.Name, err)
			}
			role.ParentRoleID = &parent.ID
		}
		if err := tx.CreateRole(ctx, role); err != nil {
			return false, 0, err
		}
		created = true
	case err != nil:
		return false, 0, err
	}

	if !created {
		// links on an existing role belong to its administrators
		return false, 0, nil
	}

	links := 0
	for _, code := range sr.Permissions {
		perm, err := tx.GetPermissionByCode(ctx, code)
		if err != nil {
			return false, 0, fmt.Errorf("seed role %q: %w", sr.Name, err)
		}
		if err := tx.AddRolePermission(ctx, role.ID, perm.ID, nil); err != nil {
			return false, 0, err
		}
		links++
	}
	return true, links, nil
}

func (m *Manager) seedSuperAdmin(ctx context.Context, tx *Store, sp *SeedPrincipal) (bool, error) {
	if _, err := tx.GetAdminUserByUsername(ctx, sp.Username); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	role, err := tx.GetRoleByName(ctx, m.resolver.SuperAdminRoleName())
	if err != nil {
		return false, fmt.Errorf("super admin role: %w", err)
	}

	user := &AdminUser{
		Username:    sp.Username,
		DisplayName: sp.DisplayName,
		RoleID:      &role.ID,
		IsActive:    true,
	}
	return true, tx.CreateAdminUser(ctx, user)
}

// DefaultSeed returns the catalog the admin API itself needs plus the
// platform's content and user management codes.
func DefaultSeed() *Seed {
	return &Seed{
		Permissions: []SeedPermission{
			{Code: PermissionView, Description: "List and read catalog permissions"},
			{Code: PermissionManage, Description: "Create and toggle catalog permissions"},
			{Code: RoleView, Description: "List roles and their effective permissions"},
			{Code: RoleManage, Description: "Create, edit and delete roles"},
			{Code: AdminUserView, Description: "Read admin users and their effective permissions"},
			{Code: AdminUserManage, Description: "Assign roles, overlays and IP allowlists"},
			{Code: "session.issue", Description: "Issue admin sessions for other admins"},
			{Code: "session.revoke", Description: "Revoke admin sessions"},
			{Code: audit.PermissionView, Description: "Search and export the audit trail"},
			{Code: "book.view", Description: "Browse the book library"},
			{Code: "book.edit", Description: "Edit book metadata and chapters"},
			{Code: "dialogue.view", Description: "Read reader dialogue transcripts"},
			{Code: "dialogue.moderate", Description: "Hide or flag dialogue content"},
			{Code: "user.view", Description: "View platform users"},
			{Code: "user.edit", Description: "Edit and suspend platform users"},
		},
		Roles: []SeedRole{
			{Name: SuperAdminRole, DisplayName: "Super Admin", System: true},
			{
				Name:        "viewer",
				DisplayName: "Viewer",
				Permissions: []string{"book.view", "dialogue.view", "user.view"},
			},
			{
				Name:        "editor",
				DisplayName: "Content Editor",
				Parent:      "viewer",
				Permissions: []string{"book.edit", "dialogue.moderate"},
			},
			{
				Name:        "operator",
				DisplayName: "Operator",
				Parent:      "editor",
				Permissions: []string{"user.edit", AdminUserView, RoleView, PermissionView, audit.PermissionView},
			},
		},
	}
}
