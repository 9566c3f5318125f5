package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated 表示匿名连接试图发言，调用方只记录日志，不回错误帧。
	ErrUnauthenticated = errors.New("chat: unauthenticated connection cannot send")
	ErrNotJoined       = errors.New("chat: connection has not joined a room")
)

// RoomResolutionError 表示连接阶段无法解析房间，连接不会进入 Joined。
type RoomResolutionError struct {
	Room string
	Err  error
}

func (e *RoomResolutionError) Error() string {
	return fmt.Sprintf("chat: resolve room %q: %v", e.Room, e.Err)
}

func (e *RoomResolutionError) Unwrap() error { return e.Err }

// ProtocolError 表示单个入站帧无法解析，该帧被丢弃，连接保持打开。
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chat: protocol: %s: %v", e.Reason, e.Err)
	}
	return "chat: protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }
