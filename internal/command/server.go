package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hedgeedge/copier/pkg/logger"
)

// Replier 请求应答套接字，收到请求后必须恰好回一条应答
type Replier interface {
	PollReceive(timeout time.Duration) (topic string, payload []byte, ok bool, err error)
	Publish(topic string, payload []byte) error
}

// HandlerFunc 单条指令的处理器，在引擎 goroutine 内执行
type HandlerFunc func(req *Request) Response

// Server 本地指令通道，每个调度 tick 至多处理一条指令
type Server struct {
	sock     Replier
	handlers map[string]HandlerFunc
}

// NewServer 创建指令通道服务端
func NewServer(sock Replier) *Server {
	return &Server{sock: sock, handlers: make(map[string]HandlerFunc)}
}

// Handle 注册指令处理器
func (s *Server) Handle(action string, fn HandlerFunc) {
	s.handlers[action] = fn
}

// PollOnce 非阻塞收取一条指令、分发并应答，返回是否处理了指令
func (s *Server) PollOnce() bool {
	_, payload, ok, err := s.sock.PollReceive(0)
	if err != nil {
		logger.Errorf("指令通道接收失败: %v", err)
		return false
	}
	if !ok {
		return false
	}

	resp := s.dispatch(payload)
	resp["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	b, merr := json.Marshal(resp)
	if merr != nil {
		logger.Errorf("指令应答序列化失败: %v", merr)
		b = []byte(`{"success":false,"error":"internal marshal failure"}`)
	}
	if serr := s.sock.Publish("", b); serr != nil {
		logger.Errorf("指令应答发送失败: %v", serr)
	}
	return true
}

func (s *Server) dispatch(payload []byte) Response {
	req, err := ParseRequest(payload)
	if err != nil {
		logger.Warnf("指令解析失败: %v", err)
		return Fail("", err.Error())
	}
	fn, ok := s.handlers[req.Action]
	if !ok {
		logger.Warnf("未知指令: %s", req.Action)
		return Fail(req.Action, fmt.Sprintf("未知指令: %s", req.Action))
	}
	return fn(req)
}
