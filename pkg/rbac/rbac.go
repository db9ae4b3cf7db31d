package rbac

// 权限常量
const (
	// 创建订阅时跳过邮件验证
	PermissionSkipVerification = "subscription:skip_verification"
	// 查看/管理任意邮箱的订阅
	PermissionManageAny = "subscription:manage_any"
	// 重放 outbox 事件
	PermissionReplayOutbox = "outbox:replay"
	// 手动触发一次通知
	PermissionRunNotifications = "notifications:run"

	// 普通操作权限
	PermissionSignup     = "subscription:signup"
	PermissionManageSelf = "subscription:manage_self"
)

// 角色常量
const (
	RoleAnonymous = "anonymous"
	RoleUser      = "user"
	RoleSysadmin  = "sysadmin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleAnonymous: {
		PermissionSignup,
	},
	RoleUser: {
		PermissionSignup,
		PermissionManageSelf,
	},
	RoleSysadmin: {
		PermissionSignup,
		PermissionManageSelf,
		PermissionManageAny,
		PermissionSkipVerification,
		PermissionReplayOutbox,
		PermissionRunNotifications,
	},
}

// Subject 是权限检查的主体
type Subject interface {
	Role() string
}

// HasPermission 检查主体是否有指定权限
func HasPermission(subject Subject, permission string) bool {
	role := RoleAnonymous
	if subject != nil {
		role = subject.Role()
	}
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 返回错误而不是布尔值，便于处理
func CheckPermission(subject Subject, permission string) error {
	if !HasPermission(subject, permission) {
		return &PermissionDeniedError{Permission: permission}
	}
	return nil
}

// PermissionDeniedError 表示权限不足；Error() 不暴露具体原因
type PermissionDeniedError struct {
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
