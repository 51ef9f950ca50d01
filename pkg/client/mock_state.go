package client

import (
	"maps"
	"sync"
)

// Config keys shared by State and MockState
const (
	keyLastIdentity = "last_identity"
	keyToken        = "token"
	keyFirstRunDone = "first_run_complete"
)

// MockState keeps client state in memory for UI tests
type MockState struct {
	mu sync.RWMutex

	config   map[string]string
	readAt   map[string]int64
	methods  map[string]string
	failures map[string]error
}

func NewMockState() *MockState {
	return &MockState{
		config:   make(map[string]string),
		readAt:   make(map[string]int64),
		methods:  make(map[string]string),
		failures: make(map[string]error),
	}
}

// FailOn makes the named operation ("GetConfig", "SetConfig",
// "GetReadState", "UpdateReadState") return err. A nil err clears it.
func (s *MockState) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.failures["GetConfig"]; err != nil {
		return "", err
	}
	return s.config[key], nil
}

func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures["SetConfig"]; err != nil {
		return err
	}
	s.config[key] = value
	return nil
}

func (s *MockState) lookup(key string) string {
	v, _ := s.GetConfig(key)
	return v
}

func (s *MockState) GetLastIdentity() string               { return s.lookup(keyLastIdentity) }
func (s *MockState) SetLastIdentity(identity string) error { return s.SetConfig(keyLastIdentity, identity) }
func (s *MockState) GetToken() string                      { return s.lookup(keyToken) }
func (s *MockState) SetToken(token string) error           { return s.SetConfig(keyToken, token) }
func (s *MockState) GetFirstRun() bool                     { return s.lookup(keyFirstRunDone) != "true" }
func (s *MockState) SetFirstRunComplete() error            { return s.SetConfig(keyFirstRunDone, "true") }

func (s *MockState) GetReadState(counterpart string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.failures["GetReadState"]; err != nil {
		return 0, err
	}
	return s.readAt[counterpart], nil
}

// UpdateReadState only ever moves the read marker forward, like State
func (s *MockState) UpdateReadState(counterpart string, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures["UpdateReadState"]; err != nil {
		return err
	}
	if timestamp > s.readAt[counterpart] {
		s.readAt[counterpart] = timestamp
	}
	return nil
}

func (s *MockState) GetLastSuccessfulMethod(serverAddress string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.methods[serverAddress], nil
}

func (s *MockState) SaveSuccessfulConnection(serverAddress, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.methods[serverAddress] = method
	return nil
}

func (s *MockState) GetStateDir() string { return "" }
func (s *MockState) Close() error        { return nil }

// Snapshot copies the stored config values
func (s *MockState) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.config)
}
