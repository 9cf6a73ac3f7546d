package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eddiefleurent/bullwise/internal/models"
)

func TestBuildWhere(t *testing.T) {
	tests := []struct {
		name     string
		f        Filter
		wantSQL  string
		wantArgs []any
	}{
		{"empty", nil, "", nil},
		{"eq", Where(Eq("state", models.OrderOpen)), " WHERE state = $1", []any{"open"}},
		{
			"in and null",
			Where(In("state", models.WorkingOrderStates...), IsNull("position_id")),
			" WHERE state IN ($1, $2, $3) AND position_id IS NULL",
			[]any{"pending", "open", "partially_filled"},
		},
		{
			"eq after in keeps numbering",
			Where(In("side", "buy_to_open", "sell_to_close"), Eq("position_id", int64(4))),
			" WHERE side IN ($1, $2) AND position_id = $3",
			[]any{"buy_to_open", "sell_to_close", int64(4)},
		},
		{"empty in matches nothing", Where(In[string]("state")), " WHERE FALSE", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := buildWhere(tt.f, 1)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestNormalize(t *testing.T) {
	id := int64(5)
	var nilID *int64
	assert.Equal(t, "open", normalize(models.OrderOpen))
	assert.Equal(t, int64(3), normalize(3))
	assert.Equal(t, int64(5), normalize(&id))
	assert.Nil(t, normalize(nilID))
	assert.Nil(t, normalize(nil))
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Where(Eq("state", "open")).validate(orderFields))
	assert.ErrorIs(t, Where(Eq("nope", 1)).validate(orderFields), ErrUnknownField)
	bad := Filter{{Field: "state", Op: OpEq}}
	assert.Error(t, bad.validate(orderFields))
}
