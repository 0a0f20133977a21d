package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPageInfo(t *testing.T) {
	tests := []struct {
		name          string
		page, limit   int
		total         int64
		expectedPages int
	}{
		{"exact division", 1, 10, 100, 10},
		{"remainder rounds up", 2, 10, 25, 3},
		{"single partial page", 1, 50, 7, 1},
		{"empty result", 1, 50, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := NewPageInfo(tt.page, tt.limit, tt.total)
			assert.Equal(t, tt.expectedPages, info.Pages)
			assert.Equal(t, tt.page, info.Page)
			assert.Equal(t, tt.limit, info.Limit)
			assert.Equal(t, tt.total, info.Total)
		})
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(5000))
}

func TestClampPage(t *testing.T) {
	assert.Equal(t, 1, ClampPage(0))
	assert.Equal(t, 1, ClampPage(-1))
	assert.Equal(t, 7, ClampPage(7))
}
