package service

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"roomchat/internal/chat"
	"roomchat/internal/models"
	"roomchat/internal/presence"

	"gorm.io/gorm"
)

const maxRoomNameLen = 128

// RoomService 封装房间相关的业务逻辑，同时充当连接层使用的房间目录。
type RoomService struct {
	db       *gorm.DB
	presence *presence.Tracker
}

func NewRoomService(db *gorm.DB, p *presence.Tracker) *RoomService {
	return &RoomService{db: db, presence: p}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Online int    `json:"online"`
}

// NormalizeRoomName 去掉首尾空白并校验名称：非空、不含空白或控制字符、不超过 128 个字符。
func NormalizeRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxRoomNameLen {
		return "", ErrInvalidRoomName
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", ErrInvalidRoomName
		}
	}
	return name, nil
}

// ResolveOrCreate 按名称查找房间，不存在则创建；并发创建时回读已存在的记录。
func (s *RoomService) ResolveOrCreate(ctx context.Context, name string) (chat.Room, error) {
	room, err := s.findOrCreate(ctx, name, 0)
	if err != nil {
		return chat.Room{}, err
	}
	return chat.Room{ID: room.ID, Name: room.Name}, nil
}

func (s *RoomService) findOrCreate(ctx context.Context, name string, ownerID uint) (*models.Room, error) {
	name, err := NormalizeRoomName(name)
	if err != nil {
		return nil, err
	}
	var room models.Room
	err = s.db.WithContext(ctx).Where(models.Room{Name: name}).Attrs(models.Room{OwnerID: ownerID}).FirstOrCreate(&room).Error
	if err == nil {
		return &room, nil
	}
	// 唯一索引冲突说明另一个连接刚刚创建了同名房间。
	if err2 := s.db.WithContext(ctx).Where("name = ?", name).First(&room).Error; err2 == nil {
		return &room, nil
	}
	return nil, err
}

// Create 创建房间；同名房间已存在时直接返回它。
func (s *RoomService) Create(ctx context.Context, name string, ownerID uint) (*RoomDTO, error) {
	room, err := s.findOrCreate(ctx, name, ownerID)
	if err != nil {
		return nil, err
	}
	return &RoomDTO{ID: room.ID, Name: room.Name, Online: s.presence.Count(room.Name)}, nil
}

// List 返回房间列表，附带各房间的在线人数。
func (s *RoomService) List(ctx context.Context, limit int) ([]RoomDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	if err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{ID: r.ID, Name: r.Name, Online: s.presence.Count(r.Name)})
	}
	return out, nil
}

// Get 按名称查找房间，不会创建。
func (s *RoomService) Get(ctx context.Context, name string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}
