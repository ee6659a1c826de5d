package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"custom limit", "limit=50", 50, 0},
		{"custom offset", "offset=10", defaultPageLimit, 10},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit exceeds max", "limit=5000", maxPageLimit, 0},
		{"negative limit uses default", "limit=-1", defaultPageLimit, 0},
		{"negative offset uses zero", "offset=-5", defaultPageLimit, 0},
		{"non-numeric", "limit=abc&offset=xyz", defaultPageLimit, 0},
		{"zero limit uses default", "limit=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/certificates"
			if tt.query != "" {
				url += "?" + tt.query
			}
			limit, offset := parsePagination(httptest.NewRequest("GET", url, nil))
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page, meta := paginate(items, 2, 0)
	assert.Equal(t, []int{1, 2}, page)
	assert.True(t, meta.HasMore)
	assert.Equal(t, 5, meta.TotalCount)

	page, meta = paginate(items, 2, 4)
	assert.Equal(t, []int{5}, page)
	assert.False(t, meta.HasMore)

	page, meta = paginate(items, 2, 10)
	assert.Empty(t, page)
	assert.False(t, meta.HasMore)
	assert.Equal(t, 10, meta.Offset)
}
