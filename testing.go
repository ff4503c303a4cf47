package dm

import "sync"

// MockTarget is a test double implementing Target. It records every
// call it receives so tests can assert on dispatch behavior without
// needing a real backing store, the re-themed counterpart of the
// original backend test double's call-count tracking.
type MockTarget struct {
	mu sync.Mutex

	mapCalls   int
	endCalls   int
	closeCalls int

	lastMapReq *Request
	lastEndErr error
	closed     bool

	// MapFunc, if set, is invoked by Map instead of the default
	// identity passthrough (Remapped with the request's own sector).
	MapFunc func(req *Request) MapResult
	// EndErr, if set, is returned by End instead of the error it was
	// called with.
	EndErr error
	// CloseErr, if set, is returned by Close.
	CloseErr error

	// FeatureList, if set, is returned by Features. Defaults to
	// advertising supports-bmap so tests can exercise bmap_query
	// without extra setup.
	FeatureList []string
}

// NewMockTarget returns a ready-to-use mock target.
func NewMockTarget() *MockTarget {
	return &MockTarget{}
}

// Map implements Target.
func (m *MockTarget) Map(req *Request) MapResult {
	m.mu.Lock()
	m.mapCalls++
	m.lastMapReq = req
	fn := m.MapFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return MapResult{Kind: Remapped, Sector: req.Sector}
}

// End implements Target.
func (m *MockTarget) End(req *Request, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endCalls++
	m.lastEndErr = err
	if m.EndErr != nil {
		return m.EndErr
	}
	return err
}

// Close implements Target.
func (m *MockTarget) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.closed = true
	return m.CloseErr
}

// Features implements Target.
func (m *MockTarget) Features() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FeatureList != nil {
		return m.FeatureList
	}
	return []string{FeatureSupportsBmap}
}

// CallCounts returns how many times each Target method has been
// invoked.
func (m *MockTarget) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"map":   m.mapCalls,
		"end":   m.endCalls,
		"close": m.closeCalls,
	}
}

// IsClosed reports whether Close has been called.
func (m *MockTarget) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LastMapRequest returns the most recent Request passed to Map, or nil.
func (m *MockTarget) LastMapRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMapReq
}

// MockTargetType is a TargetType that hands out MockTarget instances,
// keeping the arguments of the most recent Create call.
type MockTargetType struct {
	TypeName string

	mu       sync.Mutex
	created  []*MockTarget
	lastArgs []string
	CreateErr error
}

// NewMockTargetType returns a TargetType named name.
func NewMockTargetType(name string) *MockTargetType {
	return &MockTargetType{TypeName: name}
}

// Name implements TargetType.
func (mt *MockTargetType) Name() string {
	return mt.TypeName
}

// Create implements TargetType.
func (mt *MockTargetType) Create(args []string) (Target, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.CreateErr != nil {
		return nil, mt.CreateErr
	}
	mt.lastArgs = args
	target := NewMockTarget()
	mt.created = append(mt.created, target)
	return target, nil
}

// Created returns every MockTarget this type has constructed.
func (mt *MockTargetType) Created() []*MockTarget {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := make([]*MockTarget, len(mt.created))
	copy(out, mt.created)
	return out
}

var (
	_ Target     = (*MockTarget)(nil)
	_ TargetType = (*MockTargetType)(nil)
)
