package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reason 拒绝原因，按判定优先级排列
type Reason string

const (
	ReasonParse            Reason = "parse"             // 非 JSON
	ReasonNotObject        Reason = "not-object"        // 非 JSON 对象
	ReasonUnknownKind      Reason = "unknown-kind"      // kind 缺失或未知
	ReasonMissingTimestamp Reason = "missing-timestamp" // timestamp 缺失
	ReasonMissingSession   Reason = "missing-session"   // sessionId 缺失
	ReasonInvalidData      Reason = "invalid-data"      // data 缺失、为 null、非对象或与 kind 的结构不符
)

// Reasons 返回全部拒绝原因（按优先级）
func Reasons() []Reason {
	return []Reason{
		ReasonParse,
		ReasonNotObject,
		ReasonUnknownKind,
		ReasonMissingTimestamp,
		ReasonMissingSession,
		ReasonInvalidData,
	}
}

// ErrRejected 所有校验拒绝都满足 errors.Is(err, ErrRejected)
var ErrRejected = errors.New("event rejected")

// ValidationError 校验拒绝
type ValidationError struct {
	Reason Reason
	Kind   Kind // 已识别时填充
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("event rejected (%s)", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is 匹配 ErrRejected
func (e *ValidationError) Is(target error) bool {
	return target == ErrRejected
}

// ReasonOf 提取拒绝原因，非校验错误返回空串
func ReasonOf(err error) Reason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

func reject(reason Reason, kind Kind, format string, args ...any) error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &ValidationError{Reason: reason, Kind: kind, Err: err}
}

// Validate 解析并校验一条入站消息
//
// 只检查信封结构与负载能否解码为该类型的结构；
// 必填字段（entityId 等）的语义检查由各处理器完成。
func Validate(raw []byte) (Event, error) {
	if !json.Valid(raw) {
		return Event{}, reject(ReasonParse, "", "")
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, reject(ReasonNotObject, "", "")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Event{}, reject(ReasonNotObject, "", "%v", err)
	}

	var kind Kind
	if v, ok := fields["kind"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return Event{}, reject(ReasonUnknownKind, "", "kind is not a string")
		}
		kind = Kind(s)
	}
	if kind == "" {
		return Event{}, reject(ReasonUnknownKind, "", "kind is missing")
	}
	if !kind.Valid() {
		return Event{}, reject(ReasonUnknownKind, kind, "unknown kind %q", kind)
	}

	timestamp, ok := stringField(fields, "timestamp")
	if !ok {
		return Event{}, reject(ReasonMissingTimestamp, kind, "")
	}
	sessionID, ok := stringField(fields, "sessionId")
	if !ok {
		return Event{}, reject(ReasonMissingSession, kind, "")
	}
	userID, _ := stringField(fields, "userId")

	data, ok := fields["data"]
	data = bytes.TrimSpace(data)
	if !ok || len(data) == 0 || data[0] != '{' {
		return Event{}, reject(ReasonInvalidData, kind, "data must be an object")
	}
	target := newPayload(kind)
	if err := json.Unmarshal(data, target); err != nil {
		return Event{}, reject(ReasonInvalidData, kind, "%v", err)
	}

	return Event{
		Kind:       kind,
		Timestamp:  timestamp,
		SessionID:  sessionID,
		UserID:     userID,
		Data:       deref(target),
		Raw:        append(json.RawMessage(nil), trimmed...),
		ReceivedAt: time.Now(),
	}, nil
}

// stringField 读取非空字符串字段
func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	v, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}
