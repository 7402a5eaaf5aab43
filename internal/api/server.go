package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/api/auth"
	"github.com/Manasess896/driver-for-hire/internal/api/middleware"
	"github.com/Manasess896/driver-for-hire/internal/archive"
	"github.com/Manasess896/driver-for-hire/internal/config"
	"github.com/Manasess896/driver-for-hire/internal/model"
	"github.com/Manasess896/driver-for-hire/internal/pkg/metrics"
	"github.com/Manasess896/driver-for-hire/internal/pkg/notify"
	"github.com/Manasess896/driver-for-hire/internal/pkg/token"
	"github.com/Manasess896/driver-for-hire/internal/pkg/verifycode"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、归档管理器以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	router   *gin.Engine
	tokens   *token.Manager
	auth     *auth.Handler
	sweeper  *archive.Manager
	profiles ProfileStore
	archiver Archiver
}

// ProfileStore 是资料处理器需要的持久化操作集合。
type ProfileStore interface {
	GetUser(ctx context.Context, email string) (*model.User, error)
	GetDriver(ctx context.Context, email string) (*model.DriverProfile, error)
	CreateDriver(ctx context.Context, profile *model.DriverProfile) error
	UpdateDriver(ctx context.Context, email string, updates map[string]any) error
	GetCar(ctx context.Context, email string) (*model.CarProfile, error)
	CreateCar(ctx context.Context, profile *model.CarProfile) error
	UpdateCar(ctx context.Context, email string, updates map[string]any) error
}

// Archiver 是删除与恢复处理器依赖的归档操作集合，
// 由 archive.Manager 实现。
type Archiver interface {
	DeleteDriver(ctx context.Context, email, password string) (*model.ArchiveRecord, error)
	DeleteCar(ctx context.Context, email, password string) (*model.ArchiveRecord, error)
	DeleteAccount(ctx context.Context, email, password string) (*model.ArchiveRecord, error)
	RequestRecovery(ctx context.Context, email string) error
}

type dbProfileStore struct {
	db *gorm.DB
}

func (s dbProfileStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s dbProfileStore) GetDriver(ctx context.Context, email string) (*model.DriverProfile, error) {
	var profile model.DriverProfile
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s dbProfileStore) CreateDriver(ctx context.Context, profile *model.DriverProfile) error {
	return s.db.WithContext(ctx).Create(profile).Error
}

func (s dbProfileStore) UpdateDriver(ctx context.Context, email string, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(&model.DriverProfile{}).
		Where("email = ?", email).Updates(updates).Error
}

func (s dbProfileStore) GetCar(ctx context.Context, email string) (*model.CarProfile, error) {
	var profile model.CarProfile
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s dbProfileStore) CreateCar(ctx context.Context, profile *model.CarProfile) error {
	return s.db.WithContext(ctx).Create(profile).Error
}

func (s dbProfileStore) UpdateCar(ctx context.Context, email string, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(&model.CarProfile{}).
		Where("email = ?", email).Updates(updates).Error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库（带重试）并执行自动迁移
// 2. 连接 Redis
// 3. 创建令牌、验证码与归档管理器
// 4. 初始化 Gin 路由引擎
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}, &model.DriverProfile{}, &model.CarProfile{}, &model.ArchiveRecord{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics()

	emailNotifier := notify.NewEmailNotifier(&cfg.Email, logger)
	tokens := token.NewManager(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	codes := verifycode.NewIssuer(verifycode.NewRedisStore(rdb), logger, cfg.Verify)
	archiver := archive.NewManager(archive.NewGormStore(db), emailNotifier, logger,
		cfg.Archive.Retention, cfg.Archive.PurgeInterval)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		router:   r,
		tokens:   tokens,
		auth:     auth.NewHandler(db, tokens, codes, emailNotifier, archiver, cfg.Security, cfg.App.PublicURL, logger),
		sweeper:  archiver,
		profiles: dbProfileStore{db: db},
		archiver: archiver,
	}
	s.registerRoutes()
	return s, nil
}

// openDB 连接 MySQL，失败时按固定间隔重试有限次。
func openDB(cfg *config.Config, logger *slog.Logger) (*gorm.DB, error) {
	attempts := cfg.App.DBConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := cfg.App.DBConnectBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err == nil {
			return db, nil
		}
		lastErr = err
		if logger != nil {
			logger.Warn("database connect failed",
				slog.Int("attempt", i),
				slog.Int("max_attempts", attempts),
				slog.String("error", err.Error()))
		}
		if i < attempts {
			time.Sleep(backoff)
		}
	}
	return nil, fmt.Errorf("connect database after %d attempts: %w", attempts, lastErr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartSweeper 启动归档清理循环。
func (s *Server) StartSweeper(ctx context.Context) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in purge sweeper", slog.Any("panic", r))
			}
		}()
		s.sweeper.Run(ctx)
	}()
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil {
			if firstErr == nil {
				firstErr = closeErr
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/register", s.auth.Register)
	s.router.POST("/login", s.auth.Login)
	s.router.POST("/verify-email-code", s.auth.VerifyEmailCode)
	s.router.POST("/request-verification-code", s.auth.RequestVerificationCode)
	s.router.POST("/forgot-password", s.auth.ForgotPassword)
	s.router.POST("/reset-password", s.auth.ResetPassword)
	s.router.POST("/request-recovery", s.handleRequestRecovery)

	// 刷新走宽限期校验，不能挂常规鉴权中间件。
	s.router.POST("/refresh-token", s.auth.RefreshToken)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.tokens))
	authed.Use(s.requireActiveUser)

	authed.GET("/user-data", s.handleUserData)

	authed.GET("/driver-info", s.handleGetDriverInfo)
	authed.POST("/driver-info", s.handleCreateDriverInfo)
	authed.PUT("/driver-info", s.handleUpdateDriverInfo)
	authed.GET("/car-info", s.handleGetCarInfo)
	authed.POST("/car-info", s.handleCreateCarInfo)
	authed.PUT("/car-info", s.handleUpdateCarInfo)
	authed.POST("/submit-info", s.handleSubmitInfo)
	authed.GET("/check-submission", s.handleCheckSubmission)
	authed.GET("/driver-images/:email", s.handleDriverImages)
	authed.GET("/car-images/:email", s.handleCarImages)

	authed.DELETE("/delete-account", s.handleDeleteAccount)
	authed.DELETE("/delete-driver-info", s.handleDeleteDriverInfo)
	authed.DELETE("/delete-car-info", s.handleDeleteCarInfo)
	authed.POST("/delete-info", s.handleDeleteInfo)
}

// requireActiveUser 确认令牌对应的用户仍然存在且未被软删除。
func (s *Server) requireActiveUser(c *gin.Context) {
	email := getEmail(c)
	user, err := s.profiles.GetUser(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load user."})
		c.Abort()
		return
	}
	if user == nil || !user.Active() {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid token."})
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUserData 返回当前用户信息（不含密码散列）。
func (s *Server) handleUserData(c *gin.Context) {
	email := getEmail(c)
	user, err := s.profiles.GetUser(c.Request.Context(), email)
	if err != nil || user == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load user."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"email":     user.Email,
		"name":      user.Name,
		"createdAt": user.CreatedAt,
	})
}

// handleRequestRecovery 为被删除的账号触发恢复流程（公开端点）。
func (s *Server) handleRequestRecovery(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	err := s.archiver.RequestRecovery(c.Request.Context(), email)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Recovery instructions sent to your email."})
	case errors.Is(err, archive.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "No archived information found for this email."})
	default:
		s.logger.Error("recovery request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to process recovery request."})
	}
}

func getEmail(c *gin.Context) string {
	return c.GetString("email")
}
