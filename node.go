// Package treefs contains core domain types and interfaces for the treefs
// in-memory filesystem
package treefs

import (
	"fmt"
	"syscall"
)

// Kind is the immutable type of a node, assigned at creation
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDirectory
	KindRegular
)

// KindFromMode derives a Kind from the S_IFMT bits of mode
func KindFromMode(mode uint32) Kind {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return KindDirectory
	case syscall.S_IFREG:
		return KindRegular
	default:
		return KindUnknown
	}
}

// TypeBits returns the S_IFMT bits for the kind; 0 for KindUnknown
func (k Kind) TypeBits() uint32 {
	switch k {
	case KindDirectory:
		return syscall.S_IFDIR
	case KindRegular:
		return syscall.S_IFREG
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "dir"
	case KindRegular:
		return "file"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// DirEntry is a single (name, identity, kind) tuple produced by directory enumeration
type DirEntry struct {
	Name string
	ID   uint64
	Kind Kind
}

// NodeInfo provides read-only access to a live node for external consumers.
// Holders must call Release when done.
type NodeInfo interface {
	// Name returns the node's stored (possibly truncated) name
	Name() string

	// NodeID returns the unique node identity
	NodeID() uint64

	// Kind returns the node's kind
	Kind() Kind

	// Release drops the holder's reference
	Release()
}

// FileSystemOperator defines the path based tree building operations that
// external consumers (request loaders, CLI) need
type FileSystemOperator interface {
	AddFileNode(req *FileCreateRequest) (NodeInfo, error)
	AddDirNode(req *DirCreateRequest) (NodeInfo, error)
}
