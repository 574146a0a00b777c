package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request 监管端指令，除 action 外的参数按指令各自取用
type Request struct {
	Action string
	fields map[string]json.RawMessage
}

// ParseRequest 解析指令载荷，action 统一转大写
func ParseRequest(payload []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("指令非法 JSON: %w", err)
	}
	var action string
	if raw, ok := fields["action"]; ok {
		_ = json.Unmarshal(raw, &action)
	}
	if action == "" {
		return nil, fmt.Errorf("指令缺少 action 字段")
	}
	return &Request{Action: strings.ToUpper(action), fields: fields}, nil
}

// Has 判断参数是否存在
func (r *Request) Has(key string) bool {
	_, ok := r.fields[key]
	return ok
}

// Float 取浮点参数
func (r *Request) Float(key string) (float64, bool) {
	raw, ok := r.fields[key]
	if !ok {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// Int 取整数参数
func (r *Request) Int(key string) (int64, bool) {
	raw, ok := r.fields[key]
	if !ok {
		return 0, false
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// String 取字符串参数
func (r *Request) String(key string) (string, bool) {
	raw, ok := r.fields[key]
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// Bool 取布尔参数
func (r *Request) Bool(key string) (bool, bool) {
	raw, ok := r.fields[key]
	if !ok {
		return false, false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	return v, true
}

// Response 指令应答，发送前由服务端补入 timestamp
type Response map[string]any

// OK 成功应答骨架
func OK(action string) Response {
	return Response{"success": true, "action": action}
}

// Fail 失败应答，未知指令与参数错误都走这里，绝不抛出
func Fail(action, message string) Response {
	resp := Response{"success": false, "error": message}
	if action != "" {
		resp["action"] = action
	}
	return resp
}

// With 附加一个结果字段
func (r Response) With(key string, value any) Response {
	r[key] = value
	return r
}
