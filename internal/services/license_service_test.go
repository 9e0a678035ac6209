package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licgate/internal/config"
	apperrors "licgate/internal/errors"
	"licgate/internal/license"
	"licgate/internal/shared/testutil"
	"licgate/internal/store"
)

func newTestService(t *testing.T) (LicenseService, *license.Manager, *store.Store) {
	t.Helper()
	s := testutil.NewTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := license.NewManager(s, config.LicenseConfig{
		Secret:                "test-secret-key-for-signing",
		TrialDays:             30,
		WarningDays:           7,
		AttemptWindow:         time.Hour,
		MaxFailedAttempts:     5,
		AllowUnregisteredKeys: true,
	}, logger, nil)
	require.NoError(t, err)
	return NewLicenseService(manager, logger), manager, s
}

func TestServiceInitializeAndStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Initialize(ctx, "machine-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusTrial, resp.Status)
	assert.True(t, resp.IsValid)
	require.NotNil(t, resp.DaysRemaining)
	assert.Equal(t, 30, *resp.DaysRemaining)
	require.NotNil(t, resp.ExpiresAt)
	assert.NotEmpty(t, resp.Message)

	status, err := svc.GetStatus(ctx, "machine-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusTrial, status.Status)
}

func TestServiceStatusNotInitialized(t *testing.T) {
	svc, _, _ := newTestService(t)

	resp, err := svc.GetStatus(context.Background(), "machine-1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusNotInitialized, resp.Status)
	assert.True(t, resp.IsValid)
	assert.NotEmpty(t, resp.Message)
}

func TestServiceActivate(t *testing.T) {
	svc, manager, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Initialize(ctx, "machine-1")
	require.NoError(t, err)

	key, err := manager.Signer().GenerateKey("machine-1")
	require.NoError(t, err)

	resp, err := svc.Activate(ctx, ActivateRequest{
		InstallID:     "machine-1",
		LicenseKey:    key.Formatted(),
		CustomerEmail: "user@example.com",
		IPAddress:     "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusLicensed, resp.Status)
	assert.True(t, resp.Success)
	assert.Equal(t, string(license.BindingInstallation), resp.Binding)
	assert.Equal(t, "user@example.com", resp.CustomerEmail)
	assert.NotEmpty(t, resp.LicenseKeyPrefix)
	assert.Nil(t, resp.DaysRemaining, "licensed responses carry no trial countdown")
}

func TestServiceActivateRejectsBadKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Initialize(ctx, "machine-1")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, ActivateRequest{
		InstallID:  "machine-1",
		LicenseKey: "AAAA-BBBB-CCCC-DDDD-EEEE-FFFF-0000-1111",
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestServiceExpiredStatusShape(t *testing.T) {
	svc, _, s := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.CreateInstallation(ctx, &store.Installation{
		InstallID:      "machine-1",
		InstalledAt:    now.AddDate(0, 0, -40),
		TrialExpiresAt: now.AddDate(0, 0, -10),
		Status:         store.StatusTrial,
	}))

	resp, err := svc.GetStatus(ctx, "machine-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, resp.Status)
	assert.False(t, resp.IsValid)
	require.NotNil(t, resp.DaysExpired)
	assert.Equal(t, 10, *resp.DaysExpired)
	require.NotNil(t, resp.ExpiredAt)
	assert.Nil(t, resp.DaysRemaining)
}

func TestServiceAuditLog(t *testing.T) {
	svc, manager, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Initialize(ctx, "machine-1")
	require.NoError(t, err)

	key, err := manager.Signer().GenerateKey("machine-1")
	require.NoError(t, err)
	_, err = svc.Activate(ctx, ActivateRequest{InstallID: "machine-1", LicenseKey: key.Formatted()})
	require.NoError(t, err)

	resp, err := svc.AuditLog(ctx, "machine-1", 10)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, store.ActionLicenseActivated, resp.Entries[0].Action)
	assert.Equal(t, store.ActionTrialStarted, resp.Entries[1].Action)
}

func TestServiceFeatureAccess(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Initialize(ctx, "machine-1")
	require.NoError(t, err)

	ok, err := svc.FeatureAccess(ctx, "machine-1", "reports")
	require.NoError(t, err)
	assert.True(t, ok)
}
