// Package reader defines the capabilities the engine calls back into when a
// module or resource URI uses a scheme the host registered.
package reader

import (
	"net/url"
)

// PathElement is one entry returned when listing a directory-like URI.
type PathElement struct {
	Name        string
	IsDirectory bool
}

// Reader is the part shared by module and resource readers.
type Reader interface {
	// Scheme is the URI scheme this reader serves, without the trailing colon.
	Scheme() string
	IsGlobbable() bool
	HasHierarchicalUris() bool
	// ListElements lists the entries below u. Only called when IsGlobbable
	// reports true.
	ListElements(u url.URL) ([]PathElement, error)
}

type ModuleReader interface {
	Reader
	// IsLocal reports whether modules are resolved without network access.
	IsLocal() bool
	Read(u url.URL) (string, error)
}

type ResourceReader interface {
	Reader
	Read(u url.URL) ([]byte, error)
}
