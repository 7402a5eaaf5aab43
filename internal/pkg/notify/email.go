package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过 SMTP 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SendVerificationCode 发送邮箱验证码。
func (n *EmailNotifier) SendVerificationCode(toEmail string, code string) error {
	if err := n.checkConfig(toEmail); err != nil {
		return err
	}

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Hire a Driver — Email Verification</h2>
    <p>Your verification code is:</p>
    <div style="font-size: 28px; font-weight: bold; letter-spacing: 3px;">%s</div>
    <p>This code is valid for the next 5 minutes. If you did not request it, please ignore this email.</p>
  </div>
</body>
</html>`, code)

	return n.send(toEmail, "[Hire a Driver] Email Verification", body)
}

// SendPasswordReset 发送密码重置链接。
func (n *EmailNotifier) SendPasswordReset(toEmail, name, resetLink string) error {
	if err := n.checkConfig(toEmail); err != nil {
		return err
	}
	if name == "" {
		name = toEmail
	}

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Password Reset</h2>
    <p>Hi %s,</p>
    <p>We received a request to reset the password for your account.
       Click the link below to choose a new password:</p>
    <p><a href="%s">Reset your password</a></p>
    <p>For security reasons this link expires in 1 hour.
       If you did not request a password reset, you can safely ignore this email —
       your password will remain unchanged.</p>
  </div>
</body>
</html>`, name, resetLink)

	return n.send(toEmail, "[Hire a Driver] Password Reset", body)
}

// SendRecoveryNotice 发送归档恢复指引。
func (n *EmailNotifier) SendRecoveryNotice(toEmail, archiveID string, deletedAt time.Time) error {
	if err := n.checkConfig(toEmail); err != nil {
		return err
	}

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Account Recovery Request</h2>
    <p>We received a request to recover your deleted account information.
       Please contact our support team to complete the recovery process.</p>
    <p>Your archive ID: <strong>%s</strong><br/>
       Deletion date: %s</p>
    <p>This request expires 30 days from the deletion date.</p>
  </div>
</body>
</html>`, archiveID, deletedAt.Format("2006-01-02 15:04 MST"))

	return n.send(toEmail, "[Hire a Driver] Account Recovery Request", body)
}

func (n *EmailNotifier) checkConfig(toEmail string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		return fmt.Errorf("email config missing")
	}
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("empty recipient")
	}
	return nil
}

func (n *EmailNotifier) send(toEmail, subject, htmlBody string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	if n.logger != nil {
		n.logger.Info("email sent", slog.String("to", toEmail), slog.String("subject", subject))
	}
	return nil
}
