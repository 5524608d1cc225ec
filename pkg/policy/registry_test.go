package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRequirements(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		mode        PrivacyMode
		redact      bool
		noRetention bool
	}{
		{PrivacyStandard, false, false},
		{PrivacyEnhanced, true, false},
		{PrivacyMax, true, true},
		{PrivacyMode("bogus"), true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			req := reg.Requirements(tt.mode)
			assert.Equal(t, tt.redact, req.Redact)
			assert.Equal(t, tt.noRetention, req.RequireNoRetention)
		})
	}

	_, err := reg.Get("bogus")
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	mode, err := ParsePrivacyMode("", PrivacyEnhanced)
	require.NoError(t, err)
	assert.Equal(t, PrivacyEnhanced, mode)

	mode, err = ParsePrivacyMode(" MAX ", PrivacyEnhanced)
	require.NoError(t, err)
	assert.Equal(t, PrivacyMax, mode)

	_, err = ParsePrivacyMode("paranoid", PrivacyEnhanced)
	assert.Error(t, err)

	region, err := ParseRegion("EU", RegionAny)
	require.NoError(t, err)
	assert.Equal(t, RegionEU, region)

	_, err = ParseRegion("apac", RegionAny)
	assert.Error(t, err)
}

func TestAllowsRegion(t *testing.T) {
	assert.True(t, AllowsRegion(RegionAny, nil))
	assert.True(t, AllowsRegion("", []Region{RegionUS}))
	assert.True(t, AllowsRegion(RegionEU, []Region{RegionUS, RegionEU}))
	assert.False(t, AllowsRegion(RegionEU, []Region{RegionUS}))
}

func TestRegistryConcurrentRegister(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Register(Policy{Mode: "custom", Requirements: Requirements{Redact: true}})
		}()
		go func() {
			defer wg.Done()
			assert.True(t, reg.Requirements(PrivacyEnhanced).Redact)
		}()
	}
	wg.Wait()

	p, err := reg.Get("custom")
	require.NoError(t, err)
	assert.True(t, p.Requirements.Redact)
}
