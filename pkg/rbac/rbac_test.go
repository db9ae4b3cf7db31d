package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type role string

func (r role) Role() string { return string(r) }

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission(role(RoleSysadmin), PermissionSkipVerification))
	assert.False(t, HasPermission(role(RoleUser), PermissionSkipVerification))
	assert.False(t, HasPermission(nil, PermissionManageSelf))
	assert.True(t, HasPermission(nil, PermissionSignup))
	assert.False(t, HasPermission(role("unknown"), PermissionSignup))
}

func TestCheckPermission(t *testing.T) {
	err := CheckPermission(role(RoleUser), PermissionManageAny)

	var denied *PermissionDeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, PermissionManageAny, denied.Permission)
	assert.Equal(t, "insufficient permissions", err.Error())

	assert.NoError(t, CheckPermission(role(RoleSysadmin), PermissionManageAny))
}
