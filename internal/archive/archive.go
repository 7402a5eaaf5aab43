package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/model"
	"github.com/Manasess896/driver-for-hire/internal/pkg/metrics"
	"github.com/Manasess896/driver-for-hire/internal/pkg/notify"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrBadCredentials  = errors.New("invalid password")
	ErrNothingToDelete = errors.New("nothing to delete")
	ErrNotFound        = errors.New("no archived information found")
)

// Store 是归档管理器需要的持久化操作集合。
// 生产环境由 gorm 实现（gormStore）。
type Store interface {
	GetUser(ctx context.Context, email string) (*model.User, error)
	MarkUserDeleted(ctx context.Context, email string, at time.Time) error
	PurgeDeletedUsersBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetDriverProfile(ctx context.Context, email string) (*model.DriverProfile, error)
	DeleteDriverProfile(ctx context.Context, email string) error
	GetCarProfile(ctx context.Context, email string) (*model.CarProfile, error)
	DeleteCarProfile(ctx context.Context, email string) error

	InsertArchive(ctx context.Context, rec *model.ArchiveRecord) error
	FindUnexpiredArchive(ctx context.Context, email string, scopes []string, now time.Time) (*model.ArchiveRecord, error)
	DeleteExpiredArchives(ctx context.Context, now time.Time) (int64, error)
}

// Manager 管理软删除归档的整个生命周期：
// 归档创建、邮箱封锁查询、恢复请求与过期清理。
//
// 归档与删除的顺序固定为"先写归档、后删活动数据"——
// 删除失败时归档只是无害的冗余，观察者不会看到两边同时缺失。
type Manager struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger

	retention     time.Duration
	purgeInterval time.Duration

	now func() time.Time
}

// NewManager 创建归档管理器。
func NewManager(store Store, notifier notify.Notifier, logger *slog.Logger, retention, purgeInterval time.Duration) *Manager {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if purgeInterval <= 0 {
		purgeInterval = 24 * time.Hour
	}
	return &Manager{
		store:         store,
		notifier:      notifier,
		logger:        logger,
		retention:     retention,
		purgeInterval: purgeInterval,
		now:           time.Now,
	}
}

// DeleteDriver 归档并删除司机资料。需要重新验证密码。
func (m *Manager) DeleteDriver(ctx context.Context, email, password string) (*model.ArchiveRecord, error) {
	if err := m.verifyPassword(ctx, email, password); err != nil {
		return nil, err
	}

	profile, err := m.store.GetDriverProfile(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load driver profile: %w", err)
	}
	if profile == nil {
		return nil, ErrNothingToDelete
	}

	rec := m.newRecord(email, model.ScopeDriver, model.ArchivePayload{Driver: profile})
	if err := m.store.InsertArchive(ctx, rec); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}
	if err := m.store.DeleteDriverProfile(ctx, email); err != nil {
		return nil, fmt.Errorf("delete driver profile: %w", err)
	}

	m.logArchived(rec)
	return rec, nil
}

// DeleteCar 归档并删除车辆资料。需要重新验证密码。
func (m *Manager) DeleteCar(ctx context.Context, email, password string) (*model.ArchiveRecord, error) {
	if err := m.verifyPassword(ctx, email, password); err != nil {
		return nil, err
	}

	profile, err := m.store.GetCarProfile(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load car profile: %w", err)
	}
	if profile == nil {
		return nil, ErrNothingToDelete
	}

	rec := m.newRecord(email, model.ScopeCar, model.ArchivePayload{Car: profile})
	if err := m.store.InsertArchive(ctx, rec); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}
	if err := m.store.DeleteCarProfile(ctx, email); err != nil {
		return nil, fmt.Errorf("delete car profile: %w", err)
	}

	m.logArchived(rec)
	return rec, nil
}

// DeleteAccount 归档用户及其全部资料并软删除账号。
// 从此刻起到归档过期，该邮箱被禁止注册与登录。
func (m *Manager) DeleteAccount(ctx context.Context, email, password string) (*model.ArchiveRecord, error) {
	user, err := m.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}

	payload := model.ArchivePayload{User: user}
	scope := model.ScopeAccount

	driver, err := m.store.GetDriverProfile(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load driver profile: %w", err)
	}
	car, err := m.store.GetCarProfile(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load car profile: %w", err)
	}
	if driver != nil || car != nil {
		payload.Driver = driver
		payload.Car = car
		scope = model.ScopeBoth
	}

	rec := m.newRecord(email, scope, payload)
	if err := m.store.InsertArchive(ctx, rec); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	if driver != nil {
		if err := m.store.DeleteDriverProfile(ctx, email); err != nil {
			return nil, fmt.Errorf("delete driver profile: %w", err)
		}
	}
	if car != nil {
		if err := m.store.DeleteCarProfile(ctx, email); err != nil {
			return nil, fmt.Errorf("delete car profile: %w", err)
		}
	}
	if err := m.store.MarkUserDeleted(ctx, email, rec.DeletedAt); err != nil {
		return nil, fmt.Errorf("mark user deleted: %w", err)
	}

	m.logArchived(rec)
	return rec, nil
}

// Blocked 查询邮箱是否被 account 级归档封锁，以及剩余封锁时长。
func (m *Manager) Blocked(ctx context.Context, email string) (time.Duration, bool, error) {
	rec, err := m.store.FindUnexpiredArchive(ctx, email, []string{model.ScopeAccount, model.ScopeBoth}, m.now())
	if err != nil {
		return 0, false, fmt.Errorf("lookup archive: %w", err)
	}
	if rec == nil {
		return 0, false, nil
	}
	return rec.ExpiresAt.Sub(m.now()), true, nil
}

// BlockedDays 同 Blocked，但把剩余时长按天向上取整。
func (m *Manager) BlockedDays(ctx context.Context, email string) (int, bool, error) {
	remaining, blocked, err := m.Blocked(ctx, email)
	if err != nil || !blocked {
		return 0, blocked, err
	}
	days := int((remaining + 24*time.Hour - 1) / (24 * time.Hour))
	return days, true, nil
}

// RequestRecovery 查找未过期归档并发送恢复指引邮件。
// 只是触发线下支持流程，不做任何自动恢复。
func (m *Manager) RequestRecovery(ctx context.Context, email string) error {
	rec, err := m.store.FindUnexpiredArchive(ctx, email, nil, m.now())
	if err != nil {
		return fmt.Errorf("lookup archive: %w", err)
	}
	if rec == nil {
		return ErrNotFound
	}

	if err := m.notifier.SendRecoveryNotice(email, rec.ID, rec.DeletedAt); err != nil {
		metrics.NotifierFailuresTotal.Inc()
		return fmt.Errorf("send recovery notice: %w", err)
	}

	metrics.RecoveryRequestsTotal.Inc()
	if m.logger != nil {
		m.logger.Info("recovery requested",
			slog.String("email", email),
			slog.String("archive_id", rec.ID))
	}
	return nil
}

// PurgeExpired 删除所有过了保留期的归档与软删除用户。
// 幂等，可与自身并发运行。
func (m *Manager) PurgeExpired(ctx context.Context) error {
	now := m.now()

	archives, err := m.store.DeleteExpiredArchives(ctx, now)
	if err != nil {
		return fmt.Errorf("purge archives: %w", err)
	}
	users, err := m.store.PurgeDeletedUsersBefore(ctx, now.Add(-m.retention))
	if err != nil {
		return fmt.Errorf("purge users: %w", err)
	}

	if archives > 0 {
		metrics.ArchivesPurgedTotal.Add(float64(archives))
	}
	if m.logger != nil && (archives > 0 || users > 0) {
		m.logger.Info("purge sweep completed",
			slog.Int64("archives", archives),
			slog.Int64("users", users))
	}
	return nil
}

// Run 启动定期清理循环，直到 ctx 取消。启动时立即执行一次。
func (m *Manager) Run(ctx context.Context) {
	if m.logger != nil {
		m.logger.Info("archive purge sweeper started",
			slog.String("interval", m.purgeInterval.String()),
			slog.String("retention", m.retention.String()))
	}

	if err := m.PurgeExpired(ctx); err != nil {
		m.logError(err)
	}

	ticker := time.NewTicker(m.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.logger != nil {
				m.logger.Info("archive purge sweeper stopped")
			}
			return
		case <-ticker.C:
			if err := m.PurgeExpired(ctx); err != nil {
				m.logError(err)
			}
		}
	}
}

func (m *Manager) verifyPassword(ctx context.Context, email, password string) error {
	_, err := m.authenticate(ctx, email, password)
	return err
}

func (m *Manager) authenticate(ctx context.Context, email, password string) (*model.User, error) {
	user, err := m.store.GetUser(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil || !user.Active() {
		return nil, ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return user, nil
}

func (m *Manager) newRecord(email, scope string, payload model.ArchivePayload) *model.ArchiveRecord {
	now := m.now()
	return &model.ArchiveRecord{
		ID:        uuid.NewString(),
		Email:     email,
		Scope:     scope,
		Payload:   payload,
		DeletedAt: now,
		ExpiresAt: now.Add(m.retention),
	}
}

func (m *Manager) logArchived(rec *model.ArchiveRecord) {
	metrics.ArchivesCreatedTotal.WithLabelValues(rec.Scope).Inc()
	if m.logger != nil {
		m.logger.Info("information archived",
			slog.String("email", rec.Email),
			slog.String("scope", rec.Scope),
			slog.String("archive_id", rec.ID),
			slog.Time("expires_at", rec.ExpiresAt))
	}
}

func (m *Manager) logError(err error) {
	if m.logger != nil {
		m.logger.Error("purge sweep failed", slog.String("error", err.Error()))
	}
}
