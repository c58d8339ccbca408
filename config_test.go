// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)
	assert.NotNil(t, cfg.Dialer)
	assert.NotNil(t, cfg.ErrClassifier)
	assert.NotNil(t, cfg.Resolver)
	require.NotNil(t, cfg.TimeNow)

	// TimeNow should return the wall clock
	before := time.Now()
	now := cfg.TimeNow()
	assert.False(t, now.Before(before))
}

// Constructors copy the configuration into their exported fields.
func TestConfigPropagation(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := NewConfig()
	cfg.TimeNow = func() time.Time { return fixed }
	cfg.ErrClassifier = ErrClassifierFunc(func(error) string { return "X" })
	cfg.Resolver = resolverFunc(func(ctx context.Context, name string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	})

	conn := NewConnection(cfg, DefaultSLogger())
	assert.Equal(t, fixed, conn.TimeNow())
	assert.Equal(t, "X", conn.ErrClassifier.Classify(nil))
	assert.Equal(t, uint32(0x0a000001), LookupAddressOfHost(context.Background(), conn.Resolver, "x.example"))

	ep := NewEndpoint(cfg, DefaultSLogger())
	assert.Equal(t, fixed, ep.TimeNow())
	assert.Equal(t, "X", ep.ErrClassifier.Classify(nil))
	assert.Equal(t, uint32(0x0a000001), LookupAddressOfHost(context.Background(), ep.Resolver, "x.example"))
}
