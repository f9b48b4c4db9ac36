package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakturenn/fakturenn/internal/core"
)

func TestTransient(t *testing.T) {
	assert.Nil(t, core.Transient(nil))

	cause := errors.New("redis unavailable")
	err := core.Transient(cause)
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transient: redis unavailable", err.Error())

	// Transience survives further wrapping.
	wrapped := fmt.Errorf("publish completion: %w", err)
	assert.True(t, core.IsTransient(wrapped))

	assert.False(t, core.IsTransient(cause))
	assert.False(t, core.IsTransient(nil))
}

func TestScopedErrors(t *testing.T) {
	cause := errors.New("status 503")

	ext := &core.ExtractionError{SourceID: "src-1", Err: cause}
	assert.ErrorIs(t, ext, cause)
	assert.Contains(t, ext.Error(), "src-1")

	del := &core.DeliveryError{ExportID: "exp-1", Err: cause}
	assert.ErrorIs(t, del, cause)
	assert.Contains(t, del.Error(), "exp-1")

	cfg := &core.ConfigError{Scope: "mapping map-1", Err: errors.New("bad condition")}
	assert.ErrorIs(t, cfg, cfg.Err)
	assert.Contains(t, cfg.Error(), "invalid configuration (mapping map-1)")
}
