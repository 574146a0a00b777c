package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hedgeedge/copier/internal/transport"
)

// 生成 CURVE 加密通道的 Z85 密钥对。
// 主账户发布端和跟单端各生成一对，互换公钥后填入各自配置。
func main() {
	var (
		envFormat = flag.Bool("env", false, "以环境变量格式输出（ZMQ_CURVE_*）")
	)
	flag.Parse()

	if !transport.CurveSupported() {
		fatal(fmt.Errorf("底层库不支持 CURVE，请安装带 libsodium 的 libzmq"))
	}

	publicKey, secretKey, err := transport.GenerateKeypair()
	if err != nil {
		fatal(err)
	}

	if *envFormat {
		fmt.Printf("ZMQ_CURVE_PUBLIC_KEY=%s\n", publicKey)
		fmt.Printf("ZMQ_CURVE_SECRET_KEY=%s\n", secretKey)
	} else {
		fmt.Printf("public_key: %s\n", publicKey)
		fmt.Printf("secret_key: %s\n", secretKey)
	}
	fmt.Fprintln(os.Stderr, "已生成密钥对：secret_key 留在本机，public_key 交给对端填入 server_key")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
