package contextutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{name: "empty", secret: "", expected: "[EMPTY]"},
		{name: "short", secret: "abcd", expected: "****"},
		{name: "exactly eight", secret: "abcdefgh", expected: "********"},
		{name: "long", secret: "sk-abcdefghijklmnop", expected: "sk-a***********mnop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskSecret(tt.secret))
		})
	}
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "redis://:xxxxx@localhost:6379/0", RedactURL("redis://:hunter2@localhost:6379/0"))
	assert.Equal(t, "postgres://app:xxxxx@db:5432/lingo?sslmode=disable",
		RedactURL("postgres://app:secret@db:5432/lingo?sslmode=disable"))
	assert.Equal(t, "redis://localhost:6379", RedactURL("redis://localhost:6379"))
	assert.Equal(t, "********", RedactURL("secret12"))
}
