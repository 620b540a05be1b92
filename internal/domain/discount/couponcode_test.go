package discount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCouponCodes(t *testing.T) {
	codes, err := GenerateCouponCodes("SALE-####", 50)
	require.NoError(t, err)
	require.Len(t, codes, 50)

	seen := make(map[string]struct{})
	for _, code := range codes {
		assert.True(t, strings.HasPrefix(code, "SALE-"), "code %q keeps the literal prefix", code)
		assert.Len(t, code, len("SALE-####"))

		for _, r := range code[len("SALE-"):] {
			assert.Contains(t, couponCharset, string(r))
		}

		_, dup := seen[code]
		assert.False(t, dup, "duplicate code %q", code)
		seen[code] = struct{}{}
	}
}

func TestGenerateCouponCodes_DefaultFormat(t *testing.T) {
	codes, err := GenerateCouponCodes("", 3)
	require.NoError(t, err)
	require.Len(t, codes, 3)
	for _, code := range codes {
		assert.Len(t, code, len(DefaultCouponFormat))
	}
}

func TestGenerateCouponCodes_NoPlaceholder(t *testing.T) {
	_, err := GenerateCouponCodes("FIXEDCODE", 2)
	require.ErrorIs(t, err, ErrBadCouponFormat)
}
