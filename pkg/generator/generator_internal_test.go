package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		hashes  []string
		wantErr bool
	}{
		{name: "valid", hashes: []string{"0", "z", "10", "AzL8n0Y58m7"}},
		{name: "empty batch", hashes: nil, wantErr: true},
		{name: "empty identifier", hashes: []string{"a", ""}, wantErr: true},
		{name: "too long", hashes: []string{"AzL8n0Y58m70"}, wantErr: true},
		{name: "bad character", hashes: []string{"abc-def"}, wantErr: true},
		{name: "duplicate", hashes: []string{"abc", "abc"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := validateBatch(tt.hashes)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBatchContract)

				return
			}

			assert.NoError(t, err)
		})
	}
}
