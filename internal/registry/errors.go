package registry

import "fmt"

// ServiceNotFoundError reports a lookup or path resolution that matched no
// registered service.
type ServiceNotFoundError struct {
	Name string
	Path string
}

func (e *ServiceNotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("no service registered under %q", e.Name)
	}
	return fmt.Sprintf("no service owns path %q", e.Path)
}

// DuplicateServiceError reports a registration that collides with an
// existing service, either by name or by path prefix.
type DuplicateServiceError struct {
	Name   string
	Prefix string
	Owner  string
}

func (e *DuplicateServiceError) Error() string {
	if e.Prefix != "" {
		return fmt.Sprintf("service %q: path prefix %q already owned by service %q", e.Name, e.Prefix, e.Owner)
	}
	return fmt.Sprintf("service %q is already registered", e.Name)
}
