package model

import "time"

// User 表示平台注册用户。
//
// 删除账号时不会立即物理删除：Deleted 置位并记录 DeletedAt，
// 同时生成归档记录；保留期过后由清理任务一并移除。
type User struct {
	ID        uint       `gorm:"primaryKey"`                    // 用户 ID
	Email     string     `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一）
	Name      string     `gorm:"type:varchar(64)"`              // 显示名称
	Password  string     `gorm:"not null"`                      // bcrypt 哈希
	Deleted   bool       `gorm:"default:false"`                 // 软删除标记
	DeletedAt *time.Time // 软删除时间
	CreatedAt time.Time  // 创建时间
}

// Active 判断用户是否处于可用状态。
func (u *User) Active() bool {
	return u != nil && !u.Deleted
}
