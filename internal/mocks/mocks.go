// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/loanbook/courier/internal/browser"
	"github.com/loanbook/courier/internal/config"
	"github.com/loanbook/courier/internal/store"
	"github.com/stretchr/testify/mock"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Messaging() config.MessagingConfig {
	args := m.Called()
	return args.Get(0).(config.MessagingConfig)
}

func (m *MockConfig) Session() config.SessionConfig {
	args := m.Called()
	return args.Get(0).(config.SessionConfig)
}

func (m *MockConfig) Auth() config.AuthConfig {
	args := m.Called()
	return args.Get(0).(config.AuthConfig)
}

func (m *MockConfig) Sender() config.SenderConfig {
	args := m.Called()
	return args.Get(0).(config.SenderConfig)
}

func (m *MockConfig) Recovery() config.RecoveryConfig {
	args := m.Called()
	return args.Get(0).(config.RecoveryConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) SetMessagingTenant(tenant string) { m.Called(tenant) }
func (m *MockConfig) SetSessionHeadless(b bool)        { m.Called(b) }
func (m *MockConfig) SetServerAddr(addr string)        { m.Called(addr) }

// -- Browser Mocks --

// MockDriver mocks browser.Driver.
type MockDriver struct {
	mock.Mock
}

var _ browser.Driver = (*MockDriver)(nil)

func (m *MockDriver) Attach(ctx context.Context, endpoint string) (browser.Browser, error) {
	args := m.Called(ctx, endpoint)
	b, _ := args.Get(0).(browser.Browser)
	return b, args.Error(1)
}

func (m *MockDriver) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	args := m.Called(ctx, opts)
	b, _ := args.Get(0).(browser.Browser)
	return b, args.Error(1)
}

// MockBrowser mocks browser.Browser.
type MockBrowser struct {
	mock.Mock
}

var _ browser.Browser = (*MockBrowser)(nil)

func (m *MockBrowser) Targets(ctx context.Context) ([]browser.Target, error) {
	args := m.Called(ctx)
	t, _ := args.Get(0).([]browser.Target)
	return t, args.Error(1)
}

func (m *MockBrowser) Attach(ctx context.Context, t browser.Target) (browser.Page, error) {
	args := m.Called(ctx, t)
	p, _ := args.Get(0).(browser.Page)
	return p, args.Error(1)
}

func (m *MockBrowser) NewPage(ctx context.Context) (browser.Page, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).(browser.Page)
	return p, args.Error(1)
}

func (m *MockBrowser) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowser) Terminate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowser) Launched() bool {
	return m.Called().Bool(0)
}

// -- Queue Mock --

// MockQueue mocks the queue repository used by the delivery processor.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) FetchPending(ctx context.Context, limit int) ([]store.Item, error) {
	args := m.Called(ctx, limit)
	items, _ := args.Get(0).([]store.Item)
	return items, args.Error(1)
}

func (m *MockQueue) MarkSent(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockQueue) MarkFailed(ctx context.Context, id, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}
