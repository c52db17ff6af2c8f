package utils_test

import (
	"testing"

	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestPointerHelpers(t *testing.T) {
	require.Equal(t, "", utils.Value[string](nil))
	require.Equal(t, "x", utils.Value(utils.Ptr("x")))
	require.Equal(t, "prior", utils.ValueOr(nil, "prior"))
	require.Equal(t, "rotated", utils.ValueOr(utils.Ptr("rotated"), "prior"))
}
