package chat

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"
)

const pmCommand = "/pm"

type inboundFrame struct {
	Message *string `json:"message"`
}

// parseFrame 解析 {"message": "..."}，message 字段必填且非空。
func parseFrame(raw []byte, maxLen int) (string, error) {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", &ProtocolError{Reason: "invalid json", Err: err}
	}
	if in.Message == nil {
		return "", &ProtocolError{Reason: "missing message field"}
	}
	text := *in.Message
	if strings.TrimSpace(text) == "" {
		return "", &ProtocolError{Reason: "empty message"}
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return "", &ProtocolError{Reason: "message too long"}
	}
	return text, nil
}

// parsePrivate 识别 "/pm <target> <body>"。ok 为 false 表示不是私信命令；
// 是私信命令但缺少目标或正文时返回 ProtocolError。正文内部空白原样保留。
func parsePrivate(text string) (target, body string, ok bool, err error) {
	if !strings.HasPrefix(text, pmCommand) {
		return "", "", false, nil
	}
	rest := text[len(pmCommand):]
	if rest == "" {
		return "", "", true, &ProtocolError{Reason: "private message needs a target"}
	}
	if r, _ := utf8.DecodeRuneInString(rest); !unicode.IsSpace(r) {
		// "/pmfoo" 之类是普通聊天文本
		return "", "", false, nil
	}

	rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
	end := strings.IndexFunc(rest, unicode.IsSpace)
	if rest == "" {
		return "", "", true, &ProtocolError{Reason: "private message needs a target"}
	}
	if end < 0 {
		return "", "", true, &ProtocolError{Reason: "private message needs a body"}
	}
	target = rest[:end]
	_, size := utf8.DecodeRuneInString(rest[end:])
	body = rest[end+size:]
	if strings.TrimSpace(body) == "" {
		return "", "", true, &ProtocolError{Reason: "private message needs a body"}
	}
	return target, body, true, nil
}
