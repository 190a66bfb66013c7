package sandboxmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"diacritics stripped", "Örtü #1", "ortu-1"},
		{"whitespace only", "   ", "project"},
		{"empty", "", "project"},
		{"already canonical", "my-project", "my-project"},
		{"mixed case and symbols", "My Cool App!!", "my-cool-app"},
		{"leading and trailing junk", "--hello world--", "hello-world"},
		{"accents", "café résumé", "cafe-resume"},
		{"collapses runs", "a   b///c", "a-b-c"},
		{"digits kept", "app 2.0", "app-2-0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.in))
		})
	}
}
