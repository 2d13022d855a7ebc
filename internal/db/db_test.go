package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyChannel(t *testing.T) {
	assert.Equal(t, "chat_3f2a9c10b7e44d1e9a0c5b6d7e8f9a01", NotifyChannel("3f2a9c10-b7e4-4d1e-9a0c-5b6d7e8f9a01"))
	assert.Equal(t, "chat_general", NotifyChannel("general"))
}
