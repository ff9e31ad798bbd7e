package authclient_test

import (
	"context"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/stretchr/testify/mock"
)

// MockStorage implements authclient.Storage for testing
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockStorage) Set(ctx context.Context, key, value string) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockStorage) Delete(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

// MockActivitySink implements authclient.ActivitySink for testing
type MockActivitySink struct {
	mock.Mock
}

func (m *MockActivitySink) Record(ctx context.Context, event authclient.ActivityEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockRefresher implements authclient.Refresher for testing
type MockRefresher struct {
	mock.Mock
}

func (m *MockRefresher) Refresh(ctx context.Context, refreshToken string) (*authclient.TokenResponse, error) {
	args := m.Called(ctx, refreshToken)
	if resp := args.Get(0); resp != nil {
		return resp.(*authclient.TokenResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

// panicStorage panics on every read
type panicStorage struct{}

func (panicStorage) Get(context.Context, string) (string, bool, error) { panic("corrupt storage") }
func (panicStorage) Set(context.Context, string, string) error         { return nil }
func (panicStorage) Delete(context.Context, ...string) error           { return nil }
