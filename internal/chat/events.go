package chat

import (
	"encoding/json"
	"fmt"
)

// EventKind 枚举全部出站事件，新增种类必须同时登记到 encoders。
type EventKind uint8

const (
	KindUserList EventKind = iota + 1
	KindUserJoin
	KindUserLeave
	KindChatMessage
	KindPrivateMessage
	KindPrivateDelivered
)

func (k EventKind) String() string {
	switch k {
	case KindUserList:
		return "user_list"
	case KindUserJoin:
		return "user_join"
	case KindUserLeave:
		return "user_leave"
	case KindChatMessage:
		return "chat_message"
	case KindPrivateMessage:
		return "private_message"
	case KindPrivateDelivered:
		return "private_message_delivered"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event 是出站事件的标签联合，字段是否有效由 Kind 决定。
type Event struct {
	Kind    EventKind
	User    string
	Users   []string
	Target  string
	Message string
}

func UserList(users []string) Event { return Event{Kind: KindUserList, Users: users} }
func UserJoin(user string) Event { return Event{Kind: KindUserJoin, User: user} }
func UserLeave(user string) Event { return Event{Kind: KindUserLeave, User: user} }
func ChatMessage(user, msg string) Event { return Event{Kind: KindChatMessage, User: user, Message: msg} }

func PrivateMessage(user, msg string) Event {
	return Event{Kind: KindPrivateMessage, User: user, Message: msg}
}

func PrivateDelivered(target, msg string) Event {
	return Event{Kind: KindPrivateDelivered, Target: target, Message: msg}
}

type userListFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type userFrame struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type messageFrame struct {
	Type    string `json:"type"`
	User    string `json:"user"`
	Message string `json:"message"`
}

type deliveredFrame struct {
	Type    string `json:"type"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

var encoders = map[EventKind]func(Event) any{
	KindUserList: func(e Event) any {
		users := e.Users
		if users == nil {
			users = []string{}
		}
		return userListFrame{Type: KindUserList.String(), Users: users}
	},
	KindUserJoin:  func(e Event) any { return userFrame{Type: KindUserJoin.String(), User: e.User} },
	KindUserLeave: func(e Event) any { return userFrame{Type: KindUserLeave.String(), User: e.User} },
	KindChatMessage: func(e Event) any {
		return messageFrame{Type: KindChatMessage.String(), User: e.User, Message: e.Message}
	},
	KindPrivateMessage: func(e Event) any {
		return messageFrame{Type: KindPrivateMessage.String(), User: e.User, Message: e.Message}
	},
	KindPrivateDelivered: func(e Event) any {
		return deliveredFrame{Type: KindPrivateDelivered.String(), Target: e.Target, Message: e.Message}
	},
}

// Encode 把事件编码为带 type 字段的 JSON 帧。
func (e Event) Encode() ([]byte, error) {
	enc, ok := encoders[e.Kind]
	if !ok {
		return nil, fmt.Errorf("chat: no encoder for %s", e.Kind)
	}
	return json.Marshal(enc(e))
}
