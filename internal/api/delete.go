package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Manasess896/driver-for-hire/internal/archive"
	"github.com/Manasess896/driver-for-hire/internal/model"

	"github.com/gin-gonic/gin"
)

type deleteRequest struct {
	Password string `json:"password" binding:"required"`
}

type deleteInfoRequest struct {
	Type     string `json:"type" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleDeleteDriverInfo 归档并删除司机资料。
func (s *Server) handleDeleteDriverInfo(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.archiveAndRespond(c, func(ctx context.Context, email string) (*model.ArchiveRecord, error) {
		return s.archiver.DeleteDriver(ctx, email, req.Password)
	})
}

// handleDeleteCarInfo 归档并删除车辆资料。
func (s *Server) handleDeleteCarInfo(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.archiveAndRespond(c, func(ctx context.Context, email string) (*model.ArchiveRecord, error) {
		return s.archiver.DeleteCar(ctx, email, req.Password)
	})
}

// handleDeleteAccount 归档整个账号并软删除用户。
// 此后该邮箱在保留期内无法注册或登录。
func (s *Server) handleDeleteAccount(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.archiveAndRespond(c, func(ctx context.Context, email string) (*model.ArchiveRecord, error) {
		return s.archiver.DeleteAccount(ctx, email, req.Password)
	})
}

// handleDeleteInfo 按 type 分发的统一删除入口：driver / car / both。
func (s *Server) handleDeleteInfo(c *gin.Context) {
	var req deleteInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "driver":
		s.archiveAndRespond(c, func(ctx context.Context, email string) (*model.ArchiveRecord, error) {
			return s.archiver.DeleteDriver(ctx, email, req.Password)
		})
	case "car":
		s.archiveAndRespond(c, func(ctx context.Context, email string) (*model.ArchiveRecord, error) {
			return s.archiver.DeleteCar(ctx, email, req.Password)
		})
	case "both":
		s.archiveAndRespond(c, func(ctx context.Context, email string) (*model.ArchiveRecord, error) {
			return s.archiver.DeleteAccount(ctx, email, req.Password)
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid deletion type."})
	}
}

// archiveAndRespond 执行一次归档删除并统一映射错误码。
func (s *Server) archiveAndRespond(c *gin.Context, op func(ctx context.Context, email string) (*model.ArchiveRecord, error)) {
	email := getEmail(c)
	rec, err := op(c.Request.Context(), email)
	if err != nil {
		switch {
		case errors.Is(err, archive.ErrBadCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid password."})
		case errors.Is(err, archive.ErrUserNotFound):
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid token."})
		case errors.Is(err, archive.ErrNothingToDelete):
			c.JSON(http.StatusNotFound, gin.H{"message": "No information found to delete."})
		default:
			s.logger.Error("archive deletion failed",
				slog.String("email", email),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to archive information."})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Information archived successfully",
		"archiveId": rec.ID,
	})
}
