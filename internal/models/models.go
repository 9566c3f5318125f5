package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Room 按名称唯一；连接时自动创建的房间 OwnerID 为 0。
type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128;not null"`
	OwnerID   uint   `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID        uint      `gorm:"primaryKey"`
	RoomID    uint      `gorm:"index:idx_msg_room_created,priority:1;not null"`
	UserID    uint      `gorm:"index;not null"`
	Username  string    `gorm:"size:64;not null"`
	Content   string    `gorm:"size:2048;not null"`
	CreatedAt time.Time `gorm:"index:idx_msg_room_created,priority:2"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
