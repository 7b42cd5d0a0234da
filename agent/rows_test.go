package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestedRows(t *testing.T) {
	tests := []struct {
		question string
		want     int
	}{
		{"What is the total GDP in 2020/2019?", 4},
		{"What was GDP in 2016?", 4},
		{"Show me the growth rate for the last 2 quarters", 2},
		{"List the top 10 activities by value added", 10},
		{"Give me five governorates with the highest GDP", 5},
		{"Return 20 rows of investments", 20},
		{"Top 500 activities", DefaultMaxRowLimit},
		{"List 3 years and 7 sectors", 7},
		{"What is the GDP of Cairo?", 4},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			assert.Equal(t, tt.want, RequestedRows(tt.question, DefaultRowLimit, DefaultMaxRowLimit))
		})
	}
}

func TestRequestedRows_Bounds(t *testing.T) {
	assert.Equal(t, DefaultRowLimit, RequestedRows("anything", 0, 0))
	assert.Equal(t, 6, RequestedRows("top 9 sectors", 6, 2), "max below default is raised to default")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{}.withDefaults().Validate())

	err := Config{MaxIterations: -1, RowLimit: 10, MaxRowLimit: 5, MaxRejections: 3}.Validate()
	assert.ErrorContains(t, err, "max iterations must be positive")
	assert.ErrorContains(t, err, "max row limit 5 is below row limit 10")
}
