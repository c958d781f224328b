package schema

// Role is a collaborator role granted on a node and inherited by its descendants.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleAdmin        Role = "admin"
	RoleEditor       Role = "editor"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
	RoleNone         Role = ""
)

var roleRanks = map[Role]int{
	RoleViewer:       1,
	RoleCollaborator: 2,
	RoleEditor:       3,
	RoleAdmin:        4,
	RoleOwner:        5,
}

// Rank orders roles; unknown roles rank zero.
func (r Role) Rank() int {
	return roleRanks[r]
}

// Valid reports whether the role is one of the known grants.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// AtLeast reports whether r grants at least the permissions of minimum.
func (r Role) AtLeast(minimum Role) bool {
	return r.Valid() && r.Rank() >= minimum.Rank()
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// HighestRole returns the strongest role in the set, or RoleNone when empty.
func HighestRole(roles map[string]Role) Role {
	highest := RoleNone
	for _, role := range roles {
		if role.Rank() > highest.Rank() {
			highest = role
		}
	}
	return highest
}

// WorkspaceRole is the membership level a user holds on a workspace.
type WorkspaceRole string

const (
	WorkspaceRoleOwner        WorkspaceRole = "owner"
	WorkspaceRoleAdmin        WorkspaceRole = "admin"
	WorkspaceRoleCollaborator WorkspaceRole = "collaborator"
	WorkspaceRoleGuest        WorkspaceRole = "guest"
	WorkspaceRoleNone         WorkspaceRole = "none"
)

// CanManage reports whether the workspace role administers the workspace.
func (r WorkspaceRole) CanManage() bool {
	return r == WorkspaceRoleOwner || r == WorkspaceRoleAdmin
}

// CanContribute reports whether the workspace role may create top level content.
func (r WorkspaceRole) CanContribute() bool {
	return r.CanManage() || r == WorkspaceRoleCollaborator
}

// Active reports whether the role belongs to a current workspace member.
func (r WorkspaceRole) Active() bool {
	return r != WorkspaceRoleNone && r != ""
}
