package utils

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockLogger records log calls through testify's mock so tests can assert
// on what a component reported.
type MockLogger struct {
	mock.Mock
	mu               sync.Mutex
	ErrorCallCount   int
	LastErrorMessage string
}

// NewMockLogger returns a MockLogger that accepts any call at any level.
// Use AssertCalled / AssertNotCalled to check specific messages.
func NewMockLogger() *MockLogger {
	m := &MockLogger{}
	for _, method := range []string{"Debug", "Info", "Warn", "Error"} {
		m.On(method, mock.Anything, mock.Anything).Maybe()
	}
	m.On("SetLevel", mock.Anything).Maybe()
	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.mu.Lock()
	m.ErrorCallCount++
	m.LastErrorMessage = msg
	m.mu.Unlock()
	m.Called(msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level LogLevel) {
	m.Called(level)
}

// Messages returns the messages logged through method ("Debug", "Info", ...)
// in call order. Call it once logging has quiesced.
func (m *MockLogger) Messages(method string) []string {
	var out []string
	for _, call := range m.Calls {
		if call.Method != method || len(call.Arguments) == 0 {
			continue
		}
		if msg, ok := call.Arguments[0].(string); ok {
			out = append(out, msg)
		}
	}
	return out
}
