package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name  string
		role  Role
		cap   Capability
		allow bool
	}{
		{name: "spectator read", role: RoleSpectator, cap: CapRead, allow: true},
		{name: "spectator post", role: RoleSpectator, cap: CapPost, allow: false},
		{name: "participant post", role: RoleParticipant, cap: CapPost, allow: true},
		{name: "participant throttle", role: RoleParticipant, cap: CapThrottle, allow: false},
		{name: "participant moderate", role: RoleParticipant, cap: CapModerate, allow: false},
		{name: "moderator throttle", role: RoleModerator, cap: CapThrottle, allow: true},
		{name: "moderator moderate", role: RoleModerator, cap: CapModerate, allow: true},
		{name: "moderator manage", role: RoleModerator, cap: CapManage, allow: false},
		{name: "keymaster manage", role: RoleKeymaster, cap: CapManage, allow: true},
		{name: "blocked read", role: RoleBlocked, cap: CapRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.cap); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.cap, got, tc.allow)
			}
		})
	}
}

func TestNormalizeDefaultsToSpectator(t *testing.T) {
	if got := Normalize("admin"); got != RoleSpectator {
		t.Fatalf("Normalize(admin) = %q, want spectator", got)
	}
	if got := Normalize("moderator"); got != RoleModerator {
		t.Fatalf("Normalize(moderator) = %q", got)
	}
}
