package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ImageBlob 以 base64 形式内嵌存储的图片。
type ImageBlob struct {
	ContentType string `json:"contentType"` // MIME 类型 (如 image/jpeg)
	Data        string `json:"data"`        // base64 编码的图片内容
}

// ImageBlobs 是存为单个 JSON 列的图片集合。
type ImageBlobs []ImageBlob

// Value 实现 driver.Valuer，序列化为 JSON。
func (b ImageBlobs) Value() (driver.Value, error) {
	if b == nil {
		return nil, nil
	}
	return json.Marshal(b)
}

// Scan 实现 sql.Scanner，从 JSON 反序列化。
func (b *ImageBlobs) Scan(value interface{}) error {
	if value == nil {
		*b = nil
		return nil
	}
	data, err := rawJSON(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, b)
}

// DriverProfile 表示司机资料，每个用户最多提交一份。
//
// 字段与提交表单一一对应；DOB 以 "2006-01-02" 格式存储，
// 年龄与驾龄在提交时校验（年龄 >= 18，驾龄 <= 年龄 - 18）。
type DriverProfile struct {
	ID        uint      `gorm:"primaryKey"` // 资料 ID
	CreatedAt time.Time // 提交时间
	UpdatedAt time.Time // 更新时间

	Email      string     `gorm:"type:varchar(191);uniqueIndex"` // 所属用户邮箱（唯一）
	Name       string     `gorm:"type:varchar(64)"`              // 名
	LastName   string     `gorm:"type:varchar(64)"`              // 姓
	Phone      string     `gorm:"type:varchar(32)"`              // 联系电话
	DOB        string     `gorm:"type:varchar(10)"`              // 出生日期 (2006-01-02)
	License    string     `gorm:"type:varchar(32)"`              // 驾照号码
	Classes    string     `gorm:"type:varchar(32)"`              // 驾照类别
	Experience int        // 驾龄（年）
	HasCar     bool       // 是否自带车辆
	Location   string     `gorm:"type:varchar(128)"` // 所在地区
	Age        int        // 年龄（由 DOB 推算）
	Rate       string     `gorm:"type:varchar(32)"` // 期望时薪
	Image      ImageBlobs `gorm:"type:json"`        // 头像（单张）
}

// CarProfile 表示车辆资料，每个用户最多提交一份。
type CarProfile struct {
	ID        uint      `gorm:"primaryKey"` // 资料 ID
	CreatedAt time.Time // 提交时间
	UpdatedAt time.Time // 更新时间

	Email          string     `gorm:"type:varchar(191);uniqueIndex"` // 所属用户邮箱（唯一）
	CarNumberPlate string     `gorm:"type:varchar(16)"`              // 车牌号（存储前统一大写）
	Mileage        int        // 里程（公里）
	Consumption    float64    // 油耗 (L/100km)
	Phone          string     `gorm:"type:varchar(32)"`              // 联系电话
	CarImages      ImageBlobs `gorm:"type:json"`                     // 车辆照片（最多 6 张）
}

// 归档删除范围。account 级记录优先于资料级记录：
// 只要存在未过期的 account/both 归档，该邮箱即被禁止注册与登录。
const (
	ScopeDriver  = "driver"
	ScopeCar     = "car"
	ScopeBoth    = "both"
	ScopeAccount = "account"
)

// ArchivePayload 是归档时捕获的数据快照。
type ArchivePayload struct {
	User   *User          `json:"user,omitempty"`
	Driver *DriverProfile `json:"driver,omitempty"`
	Car    *CarProfile    `json:"car,omitempty"`
}

// Value 实现 driver.Valuer，序列化为 JSON。
func (p ArchivePayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan 实现 sql.Scanner，从 JSON 反序列化。
func (p *ArchivePayload) Scan(value interface{}) error {
	if value == nil {
		*p = ArchivePayload{}
		return nil
	}
	data, err := rawJSON(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, p)
}

// ArchiveRecord 表示软删除产生的可恢复快照。
//
// 归档先写入、活动数据后删除；快照与活动集合不共享可变状态。
// ExpiresAt 过后由清理任务物理删除。
type ArchiveRecord struct {
	ID        string         `gorm:"type:varchar(36);primaryKey"` // 归档 ID (uuid)
	Email     string         `gorm:"type:varchar(191);index"`     // 被删除数据所属邮箱
	Scope     string         `gorm:"type:varchar(16);index"`      // driver / car / both / account
	Payload   ArchivePayload `gorm:"type:json"`                   // 数据快照
	DeletedAt time.Time      // 删除时间
	ExpiresAt time.Time      `gorm:"index"` // 保留截止时间
}

// Expired 判断归档是否已过保留期。
func (r *ArchiveRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// BlocksIdentity 判断该归档是否阻止邮箱的注册与登录。
func (r *ArchiveRecord) BlocksIdentity() bool {
	return r.Scope == ScopeAccount || r.Scope == ScopeBoth
}

func rawJSON(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("unsupported json column type")
	}
}
