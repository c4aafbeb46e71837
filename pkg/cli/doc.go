// Package cli provides the storyloom command-line interface for operators of
// the admin access control API.
//
// # Commands
//
// whoami: effective permissions of the caller
//
//	storyloom whoami --token slm_...
//
// check: ask the decision point about another admin user
//
//	storyloom check --principal 42 --codes book.edit,book.view --all --ip 10.0.0.7
//
// roles: list the role graph, or one role's effective permissions
//
//	storyloom roles
//	storyloom roles --effective 3
//
// principal: an admin user's overlay and effective permissions
//
//	storyloom principal --id 42
//
// seed-validate: check a seed file without touching a server
//
//	storyloom seed-validate --file rbac-seed.yaml
//
// audit-export: download the audit trail
//
//	storyloom audit-export --format csv --since 2026-01-01T00:00:00Z --out audit.csv
//
// Remote commands read --server and --token, defaulting to STORYLOOM_SERVER
// and STORYLOOM_TOKEN. Tokens are issued with `storyloom-admin -issue-token`.
package cli
