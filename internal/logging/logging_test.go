package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, err := New("info", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)
	_ = logger.Sync()
}

func TestNew_ConsoleFormat(t *testing.T) {
	logger, err := New("debug", "console")
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("loud", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNew_InvalidFormat(t *testing.T) {
	_, err := New("info", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log format")
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithProjectID(ctx, "proj-1")
	ctx = WithSessionID(ctx, "sess-1")

	fields := ContextFields(ctx)
	assert.Len(t, fields, 2)
	assert.Equal(t, "proj-1", ProjectIDFromContext(ctx))
	assert.Equal(t, "sess-1", SessionIDFromContext(ctx))
}

func TestContextFields_MissingValues(t *testing.T) {
	assert.Equal(t, "", SessionIDFromContext(context.Background()))
	assert.Equal(t, "", ProjectIDFromContext(context.Background()))
}
