package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionAdmin, true},
		{RoleAdmin, ActionModerate, true},
		{RoleModerator, ActionModerate, true},
		{RoleModerator, ActionAdmin, false},
		{RoleModerator, ActionPropose, true},
		{RoleMember, ActionRead, true},
		{RoleMember, ActionPropose, true},
		{RoleMember, ActionVote, true},
		{RoleMember, ActionModerate, false},
		{RoleMember, ActionAdmin, false},
		{Role("unknown"), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("moderator") != RoleModerator {
		t.Fatal("moderator should survive normalization")
	}
	if Normalize("") != RoleMember {
		t.Fatal("unknown roles should fall back to member")
	}
	if Normalize("superuser") != RoleMember {
		t.Fatal("unrecognized roles should fall back to member")
	}
}
