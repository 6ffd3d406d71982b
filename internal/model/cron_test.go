package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
	}{
		{"PT1S", time.Second},
		{"PT0.5S", 500 * time.Millisecond},
		{"PT1,5S", 1500 * time.Millisecond},
		{"PT10M", 10 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"P1D", 24 * time.Hour},
		{"P1DT2H", 26 * time.Hour},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseISODuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}

	for _, bad := range []string{"", "P", "PT", "P1DT", "1S", "PT1.0000000001S", "P1M"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			t.Parallel()
			_, err := model.ParseISODuration(bad)
			require.ErrorIs(t, err, model.ErrISOFormat)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	d, err := model.ParseCron("@hourly")
	require.NoError(t, err)
	require.Equal(t, time.Hour, d)

	d, err = model.ParseCron("*/5 * * * *")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	_, err = model.ParseCron("")
	require.Error(t, err)
	_, err = model.ParseCron("* * * *")
	require.Error(t, err)
}

func TestPermission(t *testing.T) {
	t.Parallel()
	p, err := model.ParsePermission("Administrator")
	require.NoError(t, err)
	require.Equal(t, model.PermissionAdministrator, p)

	u := model.User{Name: "daemon", Permission: model.PermissionSubmitter}
	require.True(t, u.Can(model.PermissionGuest))
	require.True(t, u.Can(model.PermissionSubmitter))
	require.False(t, u.Can(model.PermissionAdministrator))

	_, err = model.ParsePermission("root")
	require.Error(t, err)
	require.Equal(t, "guest", model.PermissionGuest.String())
}
