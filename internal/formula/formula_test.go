package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot() map[string]any {
	return map[string]any{
		"itemSubtotal": 120.0,
		"totalQty":     3,
		"couponCode":   "SPRING",
		"email":        "buyer@example.com",
		"lineItems": []any{
			map[string]any{"purchasableId": int64(1), "qty": 2, "subtotal": 80.0},
			map[string]any{"purchasableId": int64(2), "qty": 1, "subtotal": 40.0},
		},
	}
}

func TestEvaluator_EvaluateCondition(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		formula string
		want    bool
		wantErr bool
	}{
		{name: "subtotal threshold met", formula: "order.itemSubtotal >= 100.0", want: true},
		{name: "subtotal threshold not met", formula: "order.itemSubtotal > 500.0", want: false},
		{name: "quantity and coupon", formula: "order.totalQty >= 3 && order.couponCode == 'SPRING'", want: true},
		{name: "line item inspection", formula: "order.lineItems.exists(li, li.qty >= 2)", want: true},
		{name: "email suffix", formula: "order.email.endsWith('@example.com')", want: true},
		{name: "non-boolean result", formula: "order.totalQty + 1", wantErr: true},
		{name: "unknown attribute", formula: "order.nonexistentField == 'x'", wantErr: true},
		{name: "syntax error", formula: "order.itemSubtotal >=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateCondition(tt.formula, snapshot())
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_Validate(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	require.NoError(t, e.Validate("order.itemSubtotal > 50.0"))
	require.Error(t, e.Validate("order.itemSubtotal >"))
	require.Error(t, e.Validate("undeclared_var == 1"))
}

func TestEvaluator_CachesPrograms(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	const f = "order.totalQty > 1"
	_, err = e.EvaluateCondition(f, snapshot())
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.programs[f]
	e.mu.RUnlock()
	assert.True(t, cached)

	// Second evaluation reuses the cached program.
	got, err := e.EvaluateCondition(f, snapshot())
	require.NoError(t, err)
	assert.True(t, got)
}
