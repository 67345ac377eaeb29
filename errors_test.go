package cardbase

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := NewSlugTooLongError("x", MaxSlugLength)
	wrapped := fmt.Errorf("insert card: %w", base)

	assert.Equal(t, KindSlugTooLong, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindSlugTooLong))
	assert.False(t, IsKind(wrapped, KindAlreadyExists))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindStore))
}

func TestErrorMessage(t *testing.T) {
	err := NewUnsupportedKeywordError("dependentSchemas", "/properties/data")
	assert.Equal(t, `[schema_invalid:UNSUPPORTED_KEYWORD] field '/properties/data': unsupported schema keyword "dependentSchemas"`, err.Error())
	assert.True(t, IsSchemaInvalidError(err))

	cause := errors.New("boom")
	storeErr := NewStoreError("query cards", cause)
	assert.Equal(t, "[store:STORE_ERROR] query cards: boom", storeErr.Error())
	assert.ErrorIs(t, storeErr, cause)
}

func TestErrorDetails(t *testing.T) {
	err := NewLimitInvalidError(1001, 1000)
	assert.Equal(t, 1001, err.Details["limit"])
	assert.True(t, IsLimitInvalidError(err))

	err2 := NewSchemaInvalidError("bad").WithDetail("path", "/x").WithField("x")
	assert.Equal(t, "/x", err2.Details["path"])
	assert.Equal(t, "x", err2.Field)
}
