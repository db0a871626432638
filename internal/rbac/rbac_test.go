package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "paralegal read", role: RoleParalegal, action: ActionRead, allow: true},
		{name: "paralegal write", role: RoleParalegal, action: ActionWrite, allow: true},
		{name: "paralegal share", role: RoleParalegal, action: ActionShare, allow: true},
		{name: "paralegal delete", role: RoleParalegal, action: ActionDelete, allow: false},
		{name: "lawyer delete", role: RoleLawyer, action: ActionDelete, allow: true},
		{name: "admin delete", role: RoleAdmin, action: ActionDelete, allow: true},
		{name: "unknown role", role: Role("intern"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("admin"); got != RoleAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	if got := Normalize(""); got != RoleLawyer {
		t.Fatalf("Normalize empty = %q, want lawyer default", got)
	}
	if got := Normalize("superuser"); got != RoleLawyer {
		t.Fatalf("Normalize unknown = %q, want lawyer default", got)
	}
}
