package gate

import "securebase/internal/tenant/models"

type Permission string

const (
	PermTenantRead   Permission = "tenant:read"
	PermTenantManage Permission = "tenant:manage"
	PermAuditRun     Permission = "audit:run"
	PermEvidenceRead Permission = "evidence:read"
	PermActivityRead Permission = "activity:read"
)

var rolePermissions = map[models.Role]map[Permission]struct{}{
	models.RoleAdmin:   set(PermTenantRead, PermTenantManage, PermAuditRun, PermEvidenceRead, PermActivityRead),
	models.RoleManager: set(PermTenantRead, PermAuditRun, PermEvidenceRead, PermActivityRead),
	models.RoleAnalyst: set(PermTenantRead, PermAuditRun, PermEvidenceRead),
	models.RoleViewer:  set(PermTenantRead, PermEvidenceRead),
}

func set(perms ...Permission) map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		m[p] = struct{}{}
	}
	return m
}

// Allows reports whether role grants perm. Unknown roles grant nothing.
func Allows(role models.Role, perm Permission) bool {
	_, ok := rolePermissions[role][perm]
	return ok
}
