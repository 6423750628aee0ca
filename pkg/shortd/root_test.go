//nolint:testpackage
package shortd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	c := New()

	assert.Equal(t, "shortd", c.Name)
	assert.Equal(t, Version, c.Version)

	names := make([]string, 0, len(c.Commands))
	for _, sub := range c.Commands {
		names = append(names, sub.Name)
	}

	require.Contains(t, names, "serve")
}
