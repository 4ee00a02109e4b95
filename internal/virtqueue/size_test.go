package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckQueueSize(t *testing.T) {
	tests := []struct {
		size    int
		wantErr bool
	}{
		{0, true},
		{-1, true},
		{1, false},
		{2, false},
		{3, true},
		{128, false},
		{1000, true},
		{1024, false},
		{32768, false},
		{65536, true},
	}

	for _, tt := range tests {
		err := CheckQueueSize(tt.size)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrQueueSizeInvalid, "size %d", tt.size)
		} else {
			assert.NoError(t, err, "size %d", tt.size)
		}
	}
}
