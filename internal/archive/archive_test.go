package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/model"
	"github.com/Manasess896/driver-for-hire/internal/pkg/metrics"

	"golang.org/x/crypto/bcrypt"
)

type mockStore struct {
	getUser              func(ctx context.Context, email string) (*model.User, error)
	markUserDeleted      func(ctx context.Context, email string, at time.Time) error
	purgeUsers           func(ctx context.Context, cutoff time.Time) (int64, error)
	getDriverProfile     func(ctx context.Context, email string) (*model.DriverProfile, error)
	deleteDriverProfile  func(ctx context.Context, email string) error
	getCarProfile        func(ctx context.Context, email string) (*model.CarProfile, error)
	deleteCarProfile     func(ctx context.Context, email string) error
	insertArchive        func(ctx context.Context, rec *model.ArchiveRecord) error
	findUnexpiredArchive func(ctx context.Context, email string, scopes []string, now time.Time) (*model.ArchiveRecord, error)
	deleteExpired        func(ctx context.Context, now time.Time) (int64, error)
}

func (m *mockStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	return m.getUser(ctx, email)
}
func (m *mockStore) MarkUserDeleted(ctx context.Context, email string, at time.Time) error {
	return m.markUserDeleted(ctx, email, at)
}
func (m *mockStore) PurgeDeletedUsersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.purgeUsers(ctx, cutoff)
}
func (m *mockStore) GetDriverProfile(ctx context.Context, email string) (*model.DriverProfile, error) {
	return m.getDriverProfile(ctx, email)
}
func (m *mockStore) DeleteDriverProfile(ctx context.Context, email string) error {
	return m.deleteDriverProfile(ctx, email)
}
func (m *mockStore) GetCarProfile(ctx context.Context, email string) (*model.CarProfile, error) {
	return m.getCarProfile(ctx, email)
}
func (m *mockStore) DeleteCarProfile(ctx context.Context, email string) error {
	return m.deleteCarProfile(ctx, email)
}
func (m *mockStore) InsertArchive(ctx context.Context, rec *model.ArchiveRecord) error {
	return m.insertArchive(ctx, rec)
}
func (m *mockStore) FindUnexpiredArchive(ctx context.Context, email string, scopes []string, now time.Time) (*model.ArchiveRecord, error) {
	return m.findUnexpiredArchive(ctx, email, scopes, now)
}
func (m *mockStore) DeleteExpiredArchives(ctx context.Context, now time.Time) (int64, error) {
	return m.deleteExpired(ctx, now)
}

type mockNotifier struct {
	recoveries []string
	fail       bool
}

func (n *mockNotifier) SendVerificationCode(toEmail, code string) error { return nil }
func (n *mockNotifier) SendPasswordReset(toEmail, name, resetLink string) error {
	return nil
}
func (n *mockNotifier) SendRecoveryNotice(toEmail, archiveID string, deletedAt time.Time) error {
	if n.fail {
		return errors.New("smtp unreachable")
	}
	n.recoveries = append(n.recoveries, toEmail)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func TestDeleteDriverArchivesBeforeDeleting(t *testing.T) {
	metrics.InitMetrics()

	hash := hashPassword(t, "secret")
	var calls []string

	store := &mockStore{
		getUser: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{Email: email, Password: hash}, nil
		},
		getDriverProfile: func(ctx context.Context, email string) (*model.DriverProfile, error) {
			return &model.DriverProfile{Email: email, Name: "Jane"}, nil
		},
		insertArchive: func(ctx context.Context, rec *model.ArchiveRecord) error {
			calls = append(calls, "archive")
			if rec.Scope != model.ScopeDriver {
				t.Errorf("scope = %q, want %q", rec.Scope, model.ScopeDriver)
			}
			if rec.Payload.Driver == nil || rec.Payload.Driver.Name != "Jane" {
				t.Errorf("payload missing driver profile: %+v", rec.Payload)
			}
			return nil
		},
		deleteDriverProfile: func(ctx context.Context, email string) error {
			calls = append(calls, "delete")
			return nil
		},
	}

	m := NewManager(store, &mockNotifier{}, testLogger(), 30*24*time.Hour, time.Hour)
	rec, err := m.DeleteDriver(context.Background(), "jane@example.com", "secret")
	if err != nil {
		t.Fatalf("DeleteDriver: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected archive id")
	}
	if len(calls) != 2 || calls[0] != "archive" || calls[1] != "delete" {
		t.Fatalf("call order = %v, want [archive delete]", calls)
	}
	if got := rec.ExpiresAt.Sub(rec.DeletedAt); got != 30*24*time.Hour {
		t.Fatalf("retention = %v, want 720h", got)
	}
}

func TestDeleteDriverNothingToDelete(t *testing.T) {
	metrics.InitMetrics()

	hash := hashPassword(t, "secret")
	store := &mockStore{
		getUser: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{Email: email, Password: hash}, nil
		},
		getDriverProfile: func(ctx context.Context, email string) (*model.DriverProfile, error) {
			return nil, nil
		},
	}

	m := NewManager(store, &mockNotifier{}, testLogger(), 0, 0)
	if _, err := m.DeleteDriver(context.Background(), "jane@example.com", "secret"); !errors.Is(err, ErrNothingToDelete) {
		t.Fatalf("err = %v, want ErrNothingToDelete", err)
	}
}

func TestDeleteCarWrongPassword(t *testing.T) {
	metrics.InitMetrics()

	hash := hashPassword(t, "secret")
	store := &mockStore{
		getUser: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{Email: email, Password: hash}, nil
		},
	}

	m := NewManager(store, &mockNotifier{}, testLogger(), 0, 0)
	if _, err := m.DeleteCar(context.Background(), "jane@example.com", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("err = %v, want ErrBadCredentials", err)
	}
}

func TestDeleteAccountArchivesEverything(t *testing.T) {
	metrics.InitMetrics()

	hash := hashPassword(t, "secret")
	var calls []string
	var archived *model.ArchiveRecord

	store := &mockStore{
		getUser: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{Email: email, Password: hash, Name: "Jane"}, nil
		},
		getDriverProfile: func(ctx context.Context, email string) (*model.DriverProfile, error) {
			return &model.DriverProfile{Email: email}, nil
		},
		getCarProfile: func(ctx context.Context, email string) (*model.CarProfile, error) {
			return &model.CarProfile{Email: email, CarNumberPlate: "KAB 123C"}, nil
		},
		insertArchive: func(ctx context.Context, rec *model.ArchiveRecord) error {
			calls = append(calls, "archive")
			archived = rec
			return nil
		},
		deleteDriverProfile: func(ctx context.Context, email string) error {
			calls = append(calls, "delete-driver")
			return nil
		},
		deleteCarProfile: func(ctx context.Context, email string) error {
			calls = append(calls, "delete-car")
			return nil
		},
		markUserDeleted: func(ctx context.Context, email string, at time.Time) error {
			calls = append(calls, "mark-user")
			return nil
		},
	}

	m := NewManager(store, &mockNotifier{}, testLogger(), 0, 0)
	if _, err := m.DeleteAccount(context.Background(), "jane@example.com", "secret"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	if calls[0] != "archive" {
		t.Fatalf("archive must come first, got %v", calls)
	}
	if calls[len(calls)-1] != "mark-user" {
		t.Fatalf("user soft-delete must come last, got %v", calls)
	}
	if archived.Scope != model.ScopeBoth {
		t.Fatalf("scope = %q, want %q", archived.Scope, model.ScopeBoth)
	}
	if archived.Payload.User == nil || archived.Payload.Driver == nil || archived.Payload.Car == nil {
		t.Fatalf("payload incomplete: %+v", archived.Payload)
	}
}

func TestDeleteAccountWithoutProfiles(t *testing.T) {
	metrics.InitMetrics()

	hash := hashPassword(t, "secret")
	var archived *model.ArchiveRecord

	store := &mockStore{
		getUser: func(ctx context.Context, email string) (*model.User, error) {
			return &model.User{Email: email, Password: hash}, nil
		},
		getDriverProfile: func(ctx context.Context, email string) (*model.DriverProfile, error) {
			return nil, nil
		},
		getCarProfile: func(ctx context.Context, email string) (*model.CarProfile, error) {
			return nil, nil
		},
		insertArchive: func(ctx context.Context, rec *model.ArchiveRecord) error {
			archived = rec
			return nil
		},
		markUserDeleted: func(ctx context.Context, email string, at time.Time) error { return nil },
	}

	m := NewManager(store, &mockNotifier{}, testLogger(), 0, 0)
	if _, err := m.DeleteAccount(context.Background(), "jane@example.com", "secret"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if archived.Scope != model.ScopeAccount {
		t.Fatalf("scope = %q, want %q", archived.Scope, model.ScopeAccount)
	}
}

func TestBlockedDaysRoundsUp(t *testing.T) {
	metrics.InitMetrics()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockStore{
		findUnexpiredArchive: func(ctx context.Context, email string, scopes []string, at time.Time) (*model.ArchiveRecord, error) {
			return &model.ArchiveRecord{
				ID:        "a1",
				Email:     email,
				Scope:     model.ScopeAccount,
				ExpiresAt: now.Add(25 * time.Hour),
			}, nil
		},
	}

	m := NewManager(store, &mockNotifier{}, testLogger(), 0, 0)
	m.now = func() time.Time { return now }

	days, blocked, err := m.BlockedDays(context.Background(), "jane@example.com")
	if err != nil {
		t.Fatalf("BlockedDays: %v", err)
	}
	if !blocked {
		t.Fatal("expected blocked")
	}
	if days != 2 {
		t.Fatalf("days = %d, want 2 (25h rounds up)", days)
	}
}

func TestBlockedNoArchive(t *testing.T) {
	metrics.InitMetrics()

	store := &mockStore{
		findUnexpiredArchive: func(ctx context.Context, email string, scopes []string, at time.Time) (*model.ArchiveRecord, error) {
			return nil, nil
		},
	}

	m := NewManager(store, &mockNotifier{}, testLogger(), 0, 0)
	_, blocked, err := m.Blocked(context.Background(), "free@example.com")
	if err != nil {
		t.Fatalf("Blocked: %v", err)
	}
	if blocked {
		t.Fatal("expected not blocked")
	}
}

func TestRequestRecovery(t *testing.T) {
	metrics.InitMetrics()

	store := &mockStore{
		findUnexpiredArchive: func(ctx context.Context, email string, scopes []string, at time.Time) (*model.ArchiveRecord, error) {
			if email != "jane@example.com" {
				return nil, nil
			}
			return &model.ArchiveRecord{ID: "a1", Email: email, Scope: model.ScopeDriver}, nil
		},
	}

	notifier := &mockNotifier{}
	m := NewManager(store, notifier, testLogger(), 0, 0)

	if err := m.RequestRecovery(context.Background(), "jane@example.com"); err != nil {
		t.Fatalf("RequestRecovery: %v", err)
	}
	if len(notifier.recoveries) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.recoveries))
	}

	if err := m.RequestRecovery(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPurgeExpiredIdempotent(t *testing.T) {
	metrics.InitMetrics()

	remaining := int64(3)
	store := &mockStore{
		deleteExpired: func(ctx context.Context, now time.Time) (int64, error) {
			n := remaining
			remaining = 0
			return n, nil
		},
		purgeUsers: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, nil
		},
	}

	m := NewManager(store, &mockNotifier{}, testLogger(), 0, 0)
	if err := m.PurgeExpired(context.Background()); err != nil {
		t.Fatalf("first purge: %v", err)
	}
	if err := m.PurgeExpired(context.Background()); err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expired archives remaining = %d", remaining)
	}
}
