package permissions

import "testing"

func TestRequired(t *testing.T) {
	tests := []struct {
		resource string
		method   string
		want     string
		ok       bool
	}{
		{"projects", "GET", "projects.read", true},
		{"projects", "POST", "projects.write", true},
		{"projects", "PUT", "projects.write", true},
		{"projects", "DELETE", "projects.write", true},
		{"revenues", "GET", "revenues.read", true},
		{"revenues", "HEAD", "revenues.read", true},
		{"revenues", "POST", "revenues.write", true},
		{"unknown", "GET", "", false},
		{"projectsx", "GET", "", false},
		{"", "GET", "", false},
	}

	for _, tt := range tests {
		got, ok := Required(tt.resource, tt.method)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Required(%q, %q) = (%q, %v), want (%q, %v)", tt.resource, tt.method, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAll(t *testing.T) {
	all := All()
	if len(all) != 4 {
		t.Fatalf("expected 4 permissions, got %v", all)
	}
	if !IsPermission("revenues.write") {
		t.Error("expected revenues.write to be a permission")
	}
	if IsPermission("calendar.read") {
		t.Error("calendar.read is not a sandbox permission")
	}
}

func TestResourcesIsCopy(t *testing.T) {
	r := Resources()
	r[0] = "mutated"
	if !Known("projects") {
		t.Fatal("Resources must not expose the backing slice")
	}
}
