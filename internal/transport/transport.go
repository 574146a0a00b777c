package transport

import (
	"bytes"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/hedgeedge/copier/pkg/logger"
)

// 绑定冲突时解绑后重绑前的等待时长
const bindRetryDelay = 100 * time.Millisecond

// Error 传输层错误
type Error struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CurveOptions 加密认证通道配置，Z85 编码密钥
// Server 为 true 表示绑定侧（只需本地密钥对），否则为连接侧（还需对端公钥 ServerKey）
type CurveOptions struct {
	Server    bool
	PublicKey string
	SecretKey string
	ServerKey string
}

// Options 套接字选项，在 bind/connect 之前生效
type Options struct {
	RecvTimeout time.Duration // 默认 5ms
	SendTimeout time.Duration // 默认 10ms
	SendHWM     int           // 0 表示沿用 zmq 默认值
	RecvHWM     int
	Subscribe   []string // SUB 套接字的主题前缀
	Curve       *CurveOptions
}

func (o *Options) fill() {
	if o.RecvTimeout <= 0 {
		o.RecvTimeout = 5 * time.Millisecond
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Millisecond
	}
}

// Socket 对底层消息套接字的薄封装
// 非并发安全，所有调用须在同一 goroutine 内
type Socket struct {
	sock        *zmq.Socket
	typ         zmq.Type
	opts        Options
	endpoint    string
	bound       bool
	recvTimeout time.Duration
}

// NewSub 创建订阅端套接字
func NewSub(opts Options) (*Socket, error) { return newSocket(zmq.SUB, opts) }

// NewPub 创建发布端套接字
func NewPub(opts Options) (*Socket, error) { return newSocket(zmq.PUB, opts) }

// NewRep 创建应答端套接字
func NewRep(opts Options) (*Socket, error) { return newSocket(zmq.REP, opts) }

// NewReq 创建请求端套接字
func NewReq(opts Options) (*Socket, error) { return newSocket(zmq.REQ, opts) }

func newSocket(typ zmq.Type, opts Options) (*Socket, error) {
	opts.fill()
	s := &Socket{typ: typ, opts: opts}
	if err := s.create(); err != nil {
		return nil, err
	}
	return s, nil
}

// create 建立底层套接字并应用全部选项，重建时复用
func (s *Socket) create() error {
	sock, err := zmq.NewSocket(s.typ)
	if err != nil {
		return &Error{Op: "create", Err: err}
	}
	// 关闭时不等待未送达消息
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return &Error{Op: "linger", Err: err}
	}
	if err := sock.SetRcvtimeo(s.opts.RecvTimeout); err != nil {
		_ = sock.Close()
		return &Error{Op: "rcvtimeo", Err: err}
	}
	if err := sock.SetSndtimeo(s.opts.SendTimeout); err != nil {
		_ = sock.Close()
		return &Error{Op: "sndtimeo", Err: err}
	}
	if s.opts.SendHWM > 0 {
		if err := sock.SetSndhwm(s.opts.SendHWM); err != nil {
			_ = sock.Close()
			return &Error{Op: "sndhwm", Err: err}
		}
	}
	if s.opts.RecvHWM > 0 {
		if err := sock.SetRcvhwm(s.opts.RecvHWM); err != nil {
			_ = sock.Close()
			return &Error{Op: "rcvhwm", Err: err}
		}
	}
	if err := applyCurve(sock, s.opts.Curve); err != nil {
		_ = sock.Close()
		return err
	}
	for _, prefix := range s.opts.Subscribe {
		if err := sock.SetSubscribe(prefix); err != nil {
			_ = sock.Close()
			return &Error{Op: "subscribe", Err: err}
		}
	}
	s.sock = sock
	s.recvTimeout = s.opts.RecvTimeout
	return nil
}

func applyCurve(sock *zmq.Socket, c *CurveOptions) error {
	if c == nil {
		return nil
	}
	if !zmq.HasCurve() {
		return &Error{Op: "curve", Err: fmt.Errorf("底层库未编译 CURVE 支持")}
	}
	if c.Server {
		if err := sock.SetCurveServer(1); err != nil {
			return &Error{Op: "curve", Err: err}
		}
	} else {
		if err := sock.SetCurveServerkey(c.ServerKey); err != nil {
			return &Error{Op: "curve", Err: err}
		}
	}
	if err := sock.SetCurvePublickey(c.PublicKey); err != nil {
		return &Error{Op: "curve", Err: err}
	}
	if err := sock.SetCurveSecretkey(c.SecretKey); err != nil {
		return &Error{Op: "curve", Err: err}
	}
	return nil
}

// Bind 绑定端点，端口冲突时按两级策略恢复：
// 先解绑短暂等待后重绑；仍失败则重建套接字再试一次，最终失败才返回错误
func (s *Socket) Bind(endpoint string) error {
	err := s.sock.Bind(endpoint)
	if err == nil {
		s.endpoint, s.bound = endpoint, true
		return nil
	}
	if !isAddrInUse(err) {
		return &Error{Op: "bind", Endpoint: endpoint, Err: err}
	}
	logger.Warnf("端点被占用，解绑后重试: %s", endpoint)
	_ = s.sock.Unbind(endpoint)
	time.Sleep(bindRetryDelay)
	if err = s.sock.Bind(endpoint); err == nil {
		s.endpoint, s.bound = endpoint, true
		return nil
	}
	logger.Warnf("重绑失败，重建套接字再试: %s (%v)", endpoint, err)
	_ = s.sock.Close()
	if cerr := s.create(); cerr != nil {
		return cerr
	}
	if err = s.sock.Bind(endpoint); err != nil {
		return &Error{Op: "bind", Endpoint: endpoint, Err: err}
	}
	s.endpoint, s.bound = endpoint, true
	return nil
}

// Connect 连接到远端端点
func (s *Socket) Connect(endpoint string) error {
	if err := s.sock.Connect(endpoint); err != nil {
		return &Error{Op: "connect", Endpoint: endpoint, Err: err}
	}
	s.endpoint = endpoint
	return nil
}

// Publish 发送一条带主题前缀的消息，空主题时发送裸载荷
func (s *Socket) Publish(topic string, payload []byte) error {
	if _, err := s.sock.SendBytes(Frame(topic, payload), 0); err != nil {
		return &Error{Op: "send", Endpoint: s.endpoint, Err: err}
	}
	return nil
}

// PollReceive 在限定时长内尝试收取一条消息
// 无消息返回 ok=false 且无错误；topic 为分隔符前缀，缺失分隔符时为空
func (s *Socket) PollReceive(timeout time.Duration) (topic string, payload []byte, ok bool, err error) {
	if timeout > 0 && timeout != s.recvTimeout {
		if terr := s.sock.SetRcvtimeo(timeout); terr != nil {
			return "", nil, false, &Error{Op: "rcvtimeo", Endpoint: s.endpoint, Err: terr}
		}
		s.recvTimeout = timeout
	}
	raw, rerr := s.sock.RecvBytes(0)
	if rerr != nil {
		if isWouldBlock(rerr) {
			return "", nil, false, nil
		}
		return "", nil, false, &Error{Op: "receive", Endpoint: s.endpoint, Err: rerr}
	}
	topic, payload = SplitFrame(raw)
	return topic, payload, true, nil
}

// Close 关闭套接字，绑定过的先解绑
func (s *Socket) Close() error {
	if s.sock == nil {
		return nil
	}
	if s.bound && s.endpoint != "" {
		_ = s.sock.Unbind(s.endpoint)
	}
	err := s.sock.Close()
	s.sock = nil
	if err != nil {
		return &Error{Op: "close", Endpoint: s.endpoint, Err: err}
	}
	return nil
}

// Frame 组装 topic|payload 帧，空主题时直接返回载荷
func Frame(topic string, payload []byte) []byte {
	if topic == "" {
		return payload
	}
	framed := make([]byte, 0, len(topic)+1+len(payload))
	framed = append(framed, topic...)
	framed = append(framed, '|')
	return append(framed, payload...)
}

// SplitFrame 按首个分隔符拆出主题，缺失分隔符时整体视为载荷
func SplitFrame(raw []byte) (string, []byte) {
	idx := bytes.IndexByte(raw, '|')
	if idx < 0 {
		return "", raw
	}
	return string(raw[:idx]), raw[idx+1:]
}

// GenerateKeypair 生成一对 Z85 编码的 CURVE 密钥
func GenerateKeypair() (publicKey, secretKey string, err error) {
	publicKey, secretKey, err = zmq.NewCurveKeypair()
	if err != nil {
		return "", "", &Error{Op: "keygen", Err: err}
	}
	return publicKey, secretKey, nil
}

// CurveSupported 报告底层库是否支持加密认证通道
func CurveSupported() bool { return zmq.HasCurve() }

func isWouldBlock(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

func isAddrInUse(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EADDRINUSE)
}
