package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatIDFor_OrderIndependent(t *testing.T) {
	assert.Equal(t, ChatIDFor("alice", "bob"), ChatIDFor("bob", "alice"))
	assert.Equal(t, "alice:bob", ChatIDFor("bob", "alice"))
}

func TestSignalRoleOpposite(t *testing.T) {
	assert.Equal(t, RoleCallee, RoleCaller.Opposite())
	assert.Equal(t, RoleCaller, RoleCallee.Opposite())
}
