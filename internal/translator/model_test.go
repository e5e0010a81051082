package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapModel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"claude-3-haiku-x", ModelHaiku},
		{"CLAUDE-3-HAIKU", ModelHaiku},
		{"claude-3-opus-20240229", ModelOpus},
		{"claude-3-5-sonnet", ModelSonnet},
		{"gpt-4", ModelSonnet},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MapModel(c.in), "mapping %q", c.in)
	}
}
