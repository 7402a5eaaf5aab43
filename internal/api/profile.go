package api

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/model"

	"github.com/gin-gonic/gin"
)

// 肯尼亚车牌格式，如 "KAB 123C"。输入先统一大写再匹配。
var platePattern = regexp.MustCompile(`^K[A-Z]{2}\s\d{3}[A-Z]$`)

// imagePayload 是请求中携带的单张图片。
type imagePayload struct {
	ContentType string `json:"contentType"`
	Data        string `json:"data"` // base64
}

type driverInfoRequest struct {
	Name       string        `json:"name" binding:"required"`
	LastName   string        `json:"lname" binding:"required"`
	Phone      string        `json:"phone" binding:"required"`
	DOB        string        `json:"dob" binding:"required"`
	License    string        `json:"license" binding:"required"`
	Classes    string        `json:"classes" binding:"required"`
	Experience int           `json:"experience"`
	HasCar     bool          `json:"hasCar"`
	Location   string        `json:"location" binding:"required"`
	Rate       string        `json:"rate" binding:"required"`
	Image      *imagePayload `json:"image"`
}

type driverInfoUpdateRequest struct {
	Name       *string       `json:"name"`
	LastName   *string       `json:"lname"`
	Phone      *string       `json:"phone"`
	DOB        *string       `json:"dob"`
	License    *string       `json:"license"`
	Classes    *string       `json:"classes"`
	Experience *int          `json:"experience"`
	HasCar     *bool         `json:"hasCar"`
	Location   *string       `json:"location"`
	Rate       *string       `json:"rate"`
	Image      *imagePayload `json:"image"`
}

type carInfoRequest struct {
	CarNumberPlate string         `json:"carNumberPlate" binding:"required"`
	Mileage        int            `json:"mileage"`
	Consumption    float64        `json:"consumption"`
	Phone          string         `json:"phone" binding:"required"`
	CarImages      []imagePayload `json:"carImages"`
}

type carInfoUpdateRequest struct {
	CarNumberPlate *string        `json:"carNumberPlate"`
	Mileage        *int           `json:"mileage"`
	Consumption    *float64       `json:"consumption"`
	Phone          *string        `json:"phone"`
	CarImages      []imagePayload `json:"carImages"`
}

// handleGetDriverInfo 返回当前用户的司机资料。
func (s *Server) handleGetDriverInfo(c *gin.Context) {
	email := getEmail(c)
	profile, err := s.profiles.GetDriver(c.Request.Context(), email)
	if err != nil {
		s.logger.Error("load driver profile failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load driver information."})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "No driver information found."})
		return
	}
	c.JSON(http.StatusOK, driverInfoView(profile))
}

// handleCreateDriverInfo 提交司机资料。每个用户只能提交一次。
func (s *Server) handleCreateDriverInfo(c *gin.Context) {
	email := getEmail(c)

	existing, err := s.profiles.GetDriver(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load driver information."})
		return
	}
	if existing != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Driver information already submitted."})
		return
	}

	var req driverInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	age, err := validateDriverFields(req.DOB, req.Phone, req.Experience)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	var images model.ImageBlobs
	if req.Image != nil {
		blob, err := decodeImage(*req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid image data."})
			return
		}
		images = model.ImageBlobs{blob}
	}

	profile := &model.DriverProfile{
		Email:      email,
		Name:       strings.TrimSpace(req.Name),
		LastName:   strings.TrimSpace(req.LastName),
		Phone:      strings.TrimSpace(req.Phone),
		DOB:        req.DOB,
		License:    strings.TrimSpace(req.License),
		Classes:    strings.TrimSpace(req.Classes),
		Experience: req.Experience,
		HasCar:     req.HasCar,
		Location:   strings.TrimSpace(req.Location),
		Age:        age,
		Rate:       strings.TrimSpace(req.Rate),
		Image:      images,
	}
	if err := s.profiles.CreateDriver(c.Request.Context(), profile); err != nil {
		s.logger.Error("create driver profile failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to save driver information."})
		return
	}

	s.logger.Info("driver profile submitted", slog.String("email", email))
	c.JSON(http.StatusOK, gin.H{"message": "Driver information submitted successfully."})
}

// handleUpdateDriverInfo 更新司机资料。幂等，仅更新请求中出现的字段；
// 图片只在提供时替换。
func (s *Server) handleUpdateDriverInfo(c *gin.Context) {
	email := getEmail(c)

	existing, err := s.profiles.GetDriver(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load driver information."})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "No driver information found."})
		return
	}

	var req driverInfoUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = strings.TrimSpace(*req.Name)
	}
	if req.LastName != nil {
		updates["last_name"] = strings.TrimSpace(*req.LastName)
	}
	if req.Phone != nil {
		if strings.TrimSpace(*req.Phone) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Phone number is required."})
			return
		}
		updates["phone"] = strings.TrimSpace(*req.Phone)
	}
	if req.DOB != nil {
		experience := existing.Experience
		if req.Experience != nil {
			experience = *req.Experience
		}
		age, err := validateDriverFields(*req.DOB, existing.Phone, experience)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		updates["dob"] = *req.DOB
		updates["age"] = age
	}
	if req.License != nil {
		updates["license"] = strings.TrimSpace(*req.License)
	}
	if req.Classes != nil {
		updates["classes"] = strings.TrimSpace(*req.Classes)
	}
	if req.Experience != nil {
		age := existing.Age
		if v, ok := updates["age"].(int); ok {
			age = v
		}
		if *req.Experience < 0 || *req.Experience > age-18 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Driving experience cannot exceed age minus 18."})
			return
		}
		updates["experience"] = *req.Experience
	}
	if req.HasCar != nil {
		updates["has_car"] = *req.HasCar
	}
	if req.Location != nil {
		updates["location"] = strings.TrimSpace(*req.Location)
	}
	if req.Rate != nil {
		updates["rate"] = strings.TrimSpace(*req.Rate)
	}
	if req.Image != nil {
		blob, err := decodeImage(*req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid image data."})
			return
		}
		updates["image"] = model.ImageBlobs{blob}
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "No fields to update."})
		return
	}
	if err := s.profiles.UpdateDriver(c.Request.Context(), email, updates); err != nil {
		s.logger.Error("update driver profile failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to update driver information."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Driver information updated successfully."})
}

// handleGetCarInfo 返回当前用户的车辆资料。
func (s *Server) handleGetCarInfo(c *gin.Context) {
	email := getEmail(c)
	profile, err := s.profiles.GetCar(c.Request.Context(), email)
	if err != nil {
		s.logger.Error("load car profile failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load car information."})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "No car information found."})
		return
	}
	c.JSON(http.StatusOK, carInfoView(profile))
}

// handleCreateCarInfo 提交车辆资料。每个用户只能提交一次。
func (s *Server) handleCreateCarInfo(c *gin.Context) {
	email := getEmail(c)

	existing, err := s.profiles.GetCar(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load car information."})
		return
	}
	if existing != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Car information already submitted."})
		return
	}

	var req carInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	plate, err := normalizePlate(req.CarNumberPlate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	images, err := decodeImages(req.CarImages)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid image data."})
		return
	}

	profile := &model.CarProfile{
		Email:          email,
		CarNumberPlate: plate,
		Mileage:        req.Mileage,
		Consumption:    req.Consumption,
		Phone:          strings.TrimSpace(req.Phone),
		CarImages:      images,
	}
	if err := s.profiles.CreateCar(c.Request.Context(), profile); err != nil {
		s.logger.Error("create car profile failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to save car information."})
		return
	}

	s.logger.Info("car profile submitted", slog.String("email", email))
	c.JSON(http.StatusOK, gin.H{"message": "Car information submitted successfully."})
}

// handleUpdateCarInfo 更新车辆资料，仅更新请求中出现的字段。
func (s *Server) handleUpdateCarInfo(c *gin.Context) {
	email := getEmail(c)

	existing, err := s.profiles.GetCar(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load car information."})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "No car information found."})
		return
	}

	var req carInfoUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	updates := map[string]any{}
	if req.CarNumberPlate != nil {
		plate, err := normalizePlate(*req.CarNumberPlate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		updates["car_number_plate"] = plate
	}
	if req.Mileage != nil {
		updates["mileage"] = *req.Mileage
	}
	if req.Consumption != nil {
		updates["consumption"] = *req.Consumption
	}
	if req.Phone != nil {
		if strings.TrimSpace(*req.Phone) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Phone number is required."})
			return
		}
		updates["phone"] = strings.TrimSpace(*req.Phone)
	}
	if req.CarImages != nil {
		images, err := decodeImages(req.CarImages)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid image data."})
			return
		}
		updates["car_images"] = images
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "No fields to update."})
		return
	}
	if err := s.profiles.UpdateCar(c.Request.Context(), email, updates); err != nil {
		s.logger.Error("update car profile failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to update car information."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Car information updated successfully."})
}

// handleSubmitInfo 统一提交入口，按 type 分发到司机或车辆提交逻辑。
func (s *Server) handleSubmitInfo(c *gin.Context) {
	infoType := strings.ToLower(strings.TrimSpace(c.Query("type")))
	if infoType == "" {
		infoType = strings.ToLower(strings.TrimSpace(c.GetHeader("X-Info-Type")))
	}
	switch infoType {
	case "driver", "":
		s.handleCreateDriverInfo(c)
	case "car":
		s.handleCreateCarInfo(c)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid submission type."})
	}
}

// handleCheckSubmission 查询提交状态。
// 带 type 参数返回单类状态，不带则合并返回司机与车辆两类。
// 未提交不视为错误。
func (s *Server) handleCheckSubmission(c *gin.Context) {
	email := getEmail(c)
	infoType := strings.ToLower(strings.TrimSpace(c.Query("type")))

	switch infoType {
	case "driver":
		profile, err := s.profiles.GetDriver(c.Request.Context(), email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to check submission."})
			return
		}
		c.JSON(http.StatusOK, driverSubmission(profile))
	case "car":
		profile, err := s.profiles.GetCar(c.Request.Context(), email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to check submission."})
			return
		}
		c.JSON(http.StatusOK, carSubmission(profile))
	case "":
		driver, err := s.profiles.GetDriver(c.Request.Context(), email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to check submission."})
			return
		}
		car, err := s.profiles.GetCar(c.Request.Context(), email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to check submission."})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"driver": driverSubmission(driver),
			"car":    carSubmission(car),
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid submission type."})
	}
}

// handleDriverImages 返回指定邮箱的司机头像。
func (s *Server) handleDriverImages(c *gin.Context) {
	email := strings.ToLower(strings.TrimSpace(c.Param("email")))
	profile, err := s.profiles.GetDriver(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load images."})
		return
	}
	if profile == nil || len(profile.Image) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "No driver images found."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": profile.Image})
}

// handleCarImages 返回指定邮箱的车辆照片。
func (s *Server) handleCarImages(c *gin.Context) {
	email := strings.ToLower(strings.TrimSpace(c.Param("email")))
	profile, err := s.profiles.GetCar(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load images."})
		return
	}
	if profile == nil || len(profile.CarImages) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "No car images found."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": profile.CarImages})
}

// validateDriverFields 校验电话、出生日期与驾龄，返回推算年龄。
func validateDriverFields(dob, phone string, experience int) (int, error) {
	if strings.TrimSpace(phone) == "" {
		return 0, fmt.Errorf("Phone number is required.")
	}
	born, err := time.Parse("2006-01-02", dob)
	if err != nil {
		return 0, fmt.Errorf("Date of birth must be in YYYY-MM-DD format.")
	}

	age := ageAt(born, time.Now())
	if age < 18 {
		return 0, fmt.Errorf("You must be at least 18 years old.")
	}
	if experience < 0 || experience > age-18 {
		return 0, fmt.Errorf("Driving experience cannot exceed age minus 18.")
	}
	return age, nil
}

// ageAt 按月日比较计算周岁，闰年边界不产生偏移。
func ageAt(born, now time.Time) int {
	age := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		age--
	}
	return age
}

// normalizePlate 先统一大写再校验肯尼亚车牌格式。
func normalizePlate(plate string) (string, error) {
	plate = strings.ToUpper(strings.TrimSpace(plate))
	if !platePattern.MatchString(plate) {
		return "", fmt.Errorf("Invalid car number plate format. Expected format: KAB 123C.")
	}
	return plate, nil
}

// decodeImage 解码并重新编码图片，保证落库的是规范 base64。
func decodeImage(img imagePayload) (model.ImageBlob, error) {
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return model.ImageBlob{}, err
	}
	return model.ImageBlob{
		ContentType: img.ContentType,
		Data:        base64.StdEncoding.EncodeToString(raw),
	}, nil
}

func decodeImages(imgs []imagePayload) (model.ImageBlobs, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	blobs := make(model.ImageBlobs, 0, len(imgs))
	for _, img := range imgs {
		blob, err := decodeImage(img)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

func driverInfoView(p *model.DriverProfile) gin.H {
	return gin.H{
		"email":      p.Email,
		"name":       p.Name,
		"lname":      p.LastName,
		"phone":      p.Phone,
		"dob":        p.DOB,
		"license":    p.License,
		"classes":    p.Classes,
		"experience": p.Experience,
		"hasCar":     p.HasCar,
		"location":   p.Location,
		"age":        p.Age,
		"rate":       p.Rate,
		"image":      p.Image,
		"createdAt":  p.CreatedAt,
	}
}

func carInfoView(p *model.CarProfile) gin.H {
	return gin.H{
		"email":          p.Email,
		"carNumberPlate": p.CarNumberPlate,
		"mileage":        p.Mileage,
		"consumption":    p.Consumption,
		"phone":          p.Phone,
		"carImages":      p.CarImages,
		"createdAt":      p.CreatedAt,
	}
}

func driverSubmission(p *model.DriverProfile) gin.H {
	if p == nil {
		return gin.H{"submitted": false}
	}
	return gin.H{
		"submitted": true,
		"createdAt": p.CreatedAt,
		"hasImage":  len(p.Image) > 0,
	}
}

func carSubmission(p *model.CarProfile) gin.H {
	if p == nil {
		return gin.H{"submitted": false}
	}
	return gin.H{
		"submitted": true,
		"createdAt": p.CreatedAt,
		"hasImages": len(p.CarImages) > 0,
	}
}
