package notify

import "time"

// Notifier 定义对外邮件通知接口。
//
// 发送失败不会回滚任何已提交的状态变更：
// 注册、登录、删除请求在数据写入之后才发信，
// 信发不出去由调用方作为独立错误向客户端暴露。
type Notifier interface {
	// SendVerificationCode 发送邮箱验证码。
	SendVerificationCode(toEmail, code string) error
	// SendPasswordReset 发送密码重置链接。
	SendPasswordReset(toEmail, name, resetLink string) error
	// SendRecoveryNotice 发送归档恢复指引（包含归档 ID 与删除日期）。
	SendRecoveryNotice(toEmail, archiveID string, deletedAt time.Time) error
}
