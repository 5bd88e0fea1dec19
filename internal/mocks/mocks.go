// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Environment() string {
	return m.Called().String(0)
}

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Redis() config.RedisConfig {
	args := m.Called()
	return args.Get(0).(config.RedisConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Scan() config.ScanConfig {
	args := m.Called()
	return args.Get(0).(config.ScanConfig)
}

func (m *MockConfig) AI() config.AIConfig {
	args := m.Called()
	return args.Get(0).(config.AIConfig)
}

func (m *MockConfig) Storage() config.StorageConfig {
	args := m.Called()
	return args.Get(0).(config.StorageConfig)
}

func (m *MockConfig) Alerts() config.AlertsConfig {
	args := m.Called()
	return args.Get(0).(config.AlertsConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

// --- Setters ---

func (m *MockConfig) SetEngineWorkerConcurrency(w int) { m.Called(w) }
func (m *MockConfig) SetBrowserHeadless(b bool)        { m.Called(b) }
func (m *MockConfig) SetScanMode(mode string)          { m.Called(mode) }
func (m *MockConfig) SetAIEnabled(b bool)              { m.Called(b) }

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Artifact Store Mock --

// MockArtifactStore mocks schemas.ArtifactStore.
type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) Upload(ctx context.Context, data []byte, scanID string, contextKeys ...string) (string, error) {
	args := m.Called(ctx, data, scanID, contextKeys)
	return args.String(0), args.Error(1)
}

func (m *MockArtifactStore) Download(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Rescan Scheduler Mock --

// MockRescanScheduler mocks schemas.RescanScheduler.
type MockRescanScheduler struct {
	mock.Mock
}

func (m *MockRescanScheduler) Schedule(ctx context.Context, pageID string, at time.Time) error {
	return m.Called(ctx, pageID, at).Error(0)
}

// -- Page Locker Mock --

// MockPageLocker mocks schemas.PageLocker.
type MockPageLocker struct {
	mock.Mock
}

func (m *MockPageLocker) TryLock(ctx context.Context, pageID string, ttl time.Duration) (func(), bool, error) {
	args := m.Called(ctx, pageID, ttl)
	release, _ := args.Get(0).(func())
	return release, args.Bool(1), args.Error(2)
}

// -- Session Mocks --

// MockSessionFactory mocks schemas.SessionFactory.
type MockSessionFactory struct {
	mock.Mock
}

func (m *MockSessionFactory) NewSession(ctx context.Context) (schemas.PageSession, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(schemas.PageSession), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockPageSession mocks schemas.PageSession. Evaluate only reports success;
// tests that need decoded probe values use a hand-written fake instead.
type MockPageSession struct {
	mock.Mock
}

var _ schemas.PageSession = (*MockPageSession)(nil)

func (m *MockPageSession) Start(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockPageSession) Started() bool                   { return m.Called().Bool(0) }

func (m *MockPageSession) NavigateTo(ctx context.Context, url string) schemas.NavigationResult {
	return m.Called(ctx, url).Get(0).(schemas.NavigationResult)
}

func (m *MockPageSession) Evaluate(ctx context.Context, script string, timeout time.Duration, res any) bool {
	return m.Called(ctx, script, timeout, res).Bool(0)
}

func (m *MockPageSession) Click(ctx context.Context, selector string) bool {
	return m.Called(ctx, selector).Bool(0)
}

func (m *MockPageSession) Screenshot(ctx context.Context) []byte {
	if b := m.Called(ctx).Get(0); b != nil {
		return b.([]byte)
	}
	return nil
}

func (m *MockPageSession) Content(ctx context.Context) string { return m.Called(ctx).String(0) }

func (m *MockPageSession) Capture(ctx context.Context) *schemas.ScanCapture {
	if c := m.Called(ctx).Get(0); c != nil {
		return c.(*schemas.ScanCapture)
	}
	return nil
}

func (m *MockPageSession) Close() error { return m.Called().Error(0) }

func (m *MockPageSession) SelectFirstVariant(ctx context.Context) schemas.VariantMethod {
	return m.Called(ctx).Get(0).(schemas.VariantMethod)
}

func (m *MockPageSession) ClickAddToCart(ctx context.Context) bool { return m.Called(ctx).Bool(0) }

func (m *MockPageSession) ReadCartState(ctx context.Context) (*schemas.CartState, bool) {
	args := m.Called(ctx)
	cart, _ := args.Get(0).(*schemas.CartState)
	return cart, args.Bool(1)
}

func (m *MockPageSession) ClearCartItem(ctx context.Context, key string) bool {
	return m.Called(ctx, key).Bool(0)
}

func (m *MockPageSession) SetCartItemQuantity(ctx context.Context, key string, quantity int) bool {
	return m.Called(ctx, key, quantity).Bool(0)
}

func (m *MockPageSession) NavigateToCheckout(ctx context.Context) schemas.CheckoutResult {
	return m.Called(ctx).Get(0).(schemas.CheckoutResult)
}
