package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReaction(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Input
		wantErr bool
	}{
		{name: "free", line: "👍", want: Input{Symbol: "👍"}},
		{name: "anchored centred", line: "🎉 bob", want: Input{Symbol: "🎉", Target: "bob", OX: 0.5, OY: 0.5}},
		{name: "anchored offsets", line: "  ❤️ bob 0.1 1 ", want: Input{Symbol: "❤️", Target: "bob", OX: 0.1, OY: 1}},
		{name: "blank", line: "   ", wantErr: true},
		{name: "three fields", line: "👍 bob 0.5", wantErr: true},
		{name: "offset out of range", line: "👍 bob 1.5 0", wantErr: true},
		{name: "offset not a number", line: "👍 bob x 0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReaction(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
