package mocks

import (
	"github.com/brettbedarf/treefs"
	"github.com/stretchr/testify/mock"
)

// MockFileSystemOperator implements treefs.FileSystemOperator for testing across packages
type MockFileSystemOperator struct {
	mock.Mock
}

func (m *MockFileSystemOperator) AddFileNode(req *treefs.FileCreateRequest) (treefs.NodeInfo, error) {
	args := m.Called(req)

	// Handle function return types (for complex tests)
	if fn, ok := args.Get(0).(func(*treefs.FileCreateRequest) treefs.NodeInfo); ok {
		return fn(req), args.Error(1)
	}

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(treefs.NodeInfo), args.Error(1)
}

func (m *MockFileSystemOperator) AddDirNode(req *treefs.DirCreateRequest) (treefs.NodeInfo, error) {
	args := m.Called(req)

	if fn, ok := args.Get(0).(func(*treefs.DirCreateRequest) treefs.NodeInfo); ok {
		return fn(req), args.Error(1)
	}

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(treefs.NodeInfo), args.Error(1)
}

var _ treefs.FileSystemOperator = (*MockFileSystemOperator)(nil)

// MockNodeInfo implements treefs.NodeInfo for testing across packages
type MockNodeInfo struct {
	mock.Mock
}

func (m *MockNodeInfo) Name() string {
	return m.Called().String(0)
}

func (m *MockNodeInfo) NodeID() uint64 {
	return m.Called().Get(0).(uint64)
}

func (m *MockNodeInfo) Kind() treefs.Kind {
	return m.Called().Get(0).(treefs.Kind)
}

func (m *MockNodeInfo) Release() {
	m.Called()
}

var _ treefs.NodeInfo = (*MockNodeInfo)(nil)
