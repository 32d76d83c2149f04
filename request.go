package treefs

// NodeRequest has common fields embedded in concrete request types
type NodeRequest struct {
	Path  string
	Type  NodeCreateRequestType
	Perms uint32 // i.e. 0755
}

// NodeCreateRequestType valid types are FileNodeType "file", DirNodeType "dir"
type NodeCreateRequestType string

const (
	FileNodeType NodeCreateRequestType = "file"
	DirNodeType  NodeCreateRequestType = "dir"
)

type FileCreateRequest struct {
	NodeRequest
}

type DirCreateRequest struct {
	NodeRequest
}
