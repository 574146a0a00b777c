package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestFrame(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    string
	}{
		{"带主题", "EVENT", `{"type":"HEARTBEAT"}`, `EVENT|{"type":"HEARTBEAT"}`},
		{"空主题发原始载荷", "", `{"success":true}`, `{"success":true}`},
		{"空载荷", "SNAPSHOT", "", "SNAPSHOT|"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Frame(tt.topic, []byte(tt.payload))
			if !bytes.Equal(got, []byte(tt.want)) {
				t.Fatalf("Frame(%q, %q) = %q, want %q", tt.topic, tt.payload, got, tt.want)
			}
		})
	}
}

func TestSplitFrame(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantTopic   string
		wantPayload string
	}{
		{"带主题", `EVENT|{"type":"HEARTBEAT"}`, "EVENT", `{"type":"HEARTBEAT"}`},
		{"无分隔符整体作为载荷", `{"action":"PING"}`, "", `{"action":"PING"}`},
		{"只按第一个分隔符切分", `EVENT|{"a":"b|c"}`, "EVENT", `{"a":"b|c"}`},
		{"空主题", `|payload`, "", "payload"},
		{"空消息", ``, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, payload := SplitFrame([]byte(tt.raw))
			if topic != tt.wantTopic || string(payload) != tt.wantPayload {
				t.Fatalf("SplitFrame(%q) = (%q, %q), want (%q, %q)", tt.raw, topic, payload, tt.wantTopic, tt.wantPayload)
			}
		})
	}
}

func TestFrameSplitRoundTrip(t *testing.T) {
	topic, payload := SplitFrame(Frame("EVENT", []byte(`{"x":1}`)))
	if topic != "EVENT" || string(payload) != `{"x":1}` {
		t.Fatalf("round trip: (%q, %q)", topic, payload)
	}
	// 空主题来回后仍是原始载荷
	topic, payload = SplitFrame(Frame("", []byte("raw-bytes")))
	if topic != "" || string(payload) != "raw-bytes" {
		t.Fatalf("raw round trip: (%q, %q)", topic, payload)
	}
}

func TestGenerateKeypair(t *testing.T) {
	if !CurveSupported() {
		t.Skip("底层库不带 CURVE 支持")
	}
	pub, sec, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// Z85 编码固定 40 字符
	if len(pub) != 40 || len(sec) != 40 {
		t.Fatalf("密钥长度异常: pub=%d sec=%d", len(pub), len(sec))
	}
	if pub == sec {
		t.Fatalf("公私钥不应相同")
	}
}

func TestReqRepRoundTrip(t *testing.T) {
	rep, err := NewRep(Options{RecvTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRep: %v", err)
	}
	defer rep.Close()
	// inproc 必须先 bind 再 connect
	if err := rep.Bind("inproc://copier-test-cmd"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	req, err := NewReq(Options{RecvTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewReq: %v", err)
	}
	defer req.Close()
	if err := req.Connect("inproc://copier-test-cmd"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := req.Publish("CMD", []byte(`{"action":"PING"}`)); err != nil {
		t.Fatalf("req send: %v", err)
	}

	topic, payload, ok, err := rep.PollReceive(500 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("rep recv: ok=%v err=%v", ok, err)
	}
	if topic != "CMD" || string(payload) != `{"action":"PING"}` {
		t.Fatalf("recv = (%q, %q)", topic, payload)
	}

	// 回复走空主题：原始字节原样到达
	if err := rep.Publish("", []byte(`{"success":true}`)); err != nil {
		t.Fatalf("rep send: %v", err)
	}
	topic, payload, ok, err = req.PollReceive(500 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("req recv: ok=%v err=%v", ok, err)
	}
	if topic != "" || string(payload) != `{"success":true}` {
		t.Fatalf("reply = (%q, %q)", topic, payload)
	}
}

func TestPollReceiveTimeout(t *testing.T) {
	rep, err := NewRep(Options{RecvTimeout: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRep: %v", err)
	}
	defer rep.Close()
	if err := rep.Bind("inproc://copier-test-empty"); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// 无消息时超时返回 ok=false 且无错误
	_, _, ok, err := rep.PollReceive(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("空轮询不应报错: %v", err)
	}
	if ok {
		t.Fatalf("空轮询不应有消息")
	}
}
