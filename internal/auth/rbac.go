package auth

// Org roles.
const (
	OrgRoleOwner  = "owner"
	OrgRoleAdmin  = "admin"
	OrgRoleMember = "member"
	OrgRoleViewer = "viewer"
)

// System roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Permission strings checked by the dispatcher.
const (
	PermProcessSpawn   = "process.spawn"
	PermProcessSignal  = "process.signal"
	PermProcessView    = "process.view"
	PermFSRead         = "fs.read"
	PermFSWrite        = "fs.write"
	PermTTYAccess      = "tty.access"
	PermCronManage     = "cron.manage"
	PermMemoryManage   = "memory.manage"
	PermSnapshotManage = "snapshot.manage"
	PermWebhookManage  = "webhook.manage"
	PermPluginManage   = "plugin.manage"
	PermOrgManage      = "org.manage"
	PermClusterView    = "cluster.view"
)

// orgRolePerms is the fixed org role to permission mapping.
var orgRolePerms = map[string]map[string]bool{
	OrgRoleOwner: {
		PermProcessSpawn: true, PermProcessSignal: true, PermProcessView: true,
		PermFSRead: true, PermFSWrite: true, PermTTYAccess: true,
		PermCronManage: true, PermMemoryManage: true, PermSnapshotManage: true,
		PermWebhookManage: true, PermPluginManage: true, PermOrgManage: true,
		PermClusterView: true,
	},
	OrgRoleAdmin: {
		PermProcessSpawn: true, PermProcessSignal: true, PermProcessView: true,
		PermFSRead: true, PermFSWrite: true, PermTTYAccess: true,
		PermCronManage: true, PermMemoryManage: true, PermSnapshotManage: true,
		PermWebhookManage: true, PermPluginManage: true, PermClusterView: true,
	},
	OrgRoleMember: {
		PermProcessSpawn: true, PermProcessSignal: true, PermProcessView: true,
		PermFSRead: true, PermFSWrite: true, PermTTYAccess: true,
		PermMemoryManage: true, PermClusterView: true,
	},
	OrgRoleViewer: {
		PermProcessView: true, PermFSRead: true, PermClusterView: true,
	},
}

// HasPermission decides whether a user may perform an action.
//
// System admins always may. With an orgID the user must be a member and
// the org role's permission set decides. When no orgs exist at all every
// authenticated user has full access (single-tenant bootstrap). When orgs
// exist but no orgID is given, membership-wide access is permitted.
// Operators running multi-tenant installs should create orgs early; the
// bootstrap fall-through is intentionally permissive.
func (s *Service) HasPermission(userID, permission, orgID string) (bool, error) {
	u, err := s.st.GetUser(userID)
	if err != nil {
		return false, err
	}
	if u == nil {
		return false, nil
	}
	if u.Role == RoleAdmin {
		return true, nil
	}

	if orgID != "" {
		member, err := s.st.GetOrgMember(orgID, userID)
		if err != nil {
			return false, err
		}
		if member == nil {
			return false, nil
		}
		return orgRolePerms[member.Role][permission], nil
	}

	// No org scope: permit. With zero orgs this is the single-tenant
	// bootstrap; with orgs it is the membership-wide affirmative.
	return true, nil
}

// OrgRolePermissions returns a copy of one org role's permission set.
func OrgRolePermissions(role string) []string {
	perms := make([]string, 0, len(orgRolePerms[role]))
	for p := range orgRolePerms[role] {
		perms = append(perms, p)
	}
	return perms
}
