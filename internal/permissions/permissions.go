// Package permissions maps sandbox resources and HTTP verbs to the
// permission a plugin installation must hold.
package permissions

import (
	"net/http"
	"slices"
)

// resources lists every resource that carries a read/write permission pair.
var resources = []string{
	"projects",
	"revenues",
}

// Read returns the read permission for resource.
func Read(resource string) string { return resource + ".read" }

// Write returns the write permission for resource.
func Write(resource string) string { return resource + ".write" }

// Required returns the permission needed to call method on resource.
// Unknown resources need no permission; the dispatcher rejects them.
func Required(resource, method string) (string, bool) {
	if !Known(resource) {
		return "", false
	}
	if isSafe(method) {
		return Read(resource), true
	}
	return Write(resource), true
}

// Known reports whether resource has a permission pair.
func Known(resource string) bool {
	return slices.Contains(resources, resource)
}

// Resources returns the known resource names.
func Resources() []string {
	return slices.Clone(resources)
}

// All returns every permission string, reads before writes per resource.
func All() []string {
	out := make([]string, 0, len(resources)*2)
	for _, r := range resources {
		out = append(out, Read(r), Write(r))
	}
	return out
}

// IsPermission reports whether p is one of All.
func IsPermission(p string) bool {
	return slices.Contains(All(), p)
}

func isSafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
