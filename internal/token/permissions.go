package token

import "sort"

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleUser     = "user"
	RoleReadonly = "readonly"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {
		"manage_users", "view_users", "manage_branches", "view_branches",
		"create_reports", "edit_reports", "delete_reports", "view_reports", "approve_reports",
		"edit_own_reports", "delete_own_reports",
		"add_comments", "edit_comments", "delete_comments", "edit_own_comments", "delete_own_comments",
	},
	RoleManager: {
		"view_users", "view_branches",
		"create_reports", "edit_reports", "view_reports", "approve_reports",
		"edit_own_reports", "delete_own_reports",
		"add_comments", "edit_comments", "delete_comments", "edit_own_comments", "delete_own_comments",
	},
	RoleUser: {
		"view_branches", "create_reports", "view_reports",
		"edit_own_reports", "delete_own_reports",
		"add_comments", "edit_own_comments", "delete_own_comments",
	},
	RoleReadonly: {"view_branches", "view_reports"},
}

// PermissionsFor returns a sorted copy of the permissions granted to role.
// Unknown roles get none.
func PermissionsFor(role string) []string {
	perms := append([]string(nil), rolePermissions[role]...)
	sort.Strings(perms)
	return perms
}

// MetadataFor builds the metadata snapshot embedded in a token.
func MetadataFor(role, branchID string) Metadata {
	if role == "" {
		role = RoleUser
	}
	return Metadata{Role: role, BranchID: branchID, Permissions: PermissionsFor(role)}
}
