package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/hedgeedge/copier/internal/audit"
	"github.com/hedgeedge/copier/internal/command"
	"github.com/hedgeedge/copier/internal/controlplane"
	"github.com/hedgeedge/copier/internal/copier"
	"github.com/hedgeedge/copier/internal/license"
	"github.com/hedgeedge/copier/internal/metrics"
	"github.com/hedgeedge/copier/internal/transport"
	"github.com/hedgeedge/copier/internal/venue"
	"github.com/hedgeedge/copier/pkg/config"
	"github.com/hedgeedge/copier/pkg/logger"
	"github.com/hedgeedge/copier/pkg/persistence"
	"github.com/hedgeedge/copier/pkg/secretstore"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

// defaultLicenseAPI 内置许可服务地址，license.url 未配置时使用
const defaultLicenseAPI = "https://license.hedgeedge.com"

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// loadDeviceID 读取持久化的设备标识，首次运行生成并落盘
// 许可绑定按设备计数，标识必须跨重启稳定
func loadDeviceID(svc *persistence.JSONFileService) (string, error) {
	store := svc.NewStore("copier", "device", "identity")
	var saved struct {
		DeviceID string `json:"deviceId"`
	}
	if err := store.Load(&saved); err == nil && saved.DeviceID != "" {
		return saved.DeviceID, nil
	} else if err != nil && err != persistence.ErrNotExists {
		return "", err
	}
	saved.DeviceID = uuid.NewString()
	if err := store.Save(&saved); err != nil {
		return "", err
	}
	logrus.Infof("首次运行，已生成设备标识: %s", saved.DeviceID)
	return saved.DeviceID, nil
}

// buildValidator 按配置装配许可验证器
// embedded 模式在远程验证外加一层本地加密缓存，离线时用缓存令牌过渡
func buildValidator(cfg *config.Config, dataDir string) (license.Validator, error) {
	url := cfg.License.URL
	if url == "" {
		url = defaultLicenseAPI
	}
	remote := license.NewRemote(license.RemoteConfig{
		BaseURL: url,
		Version: version,
	})
	if cfg.License.Transport == "remote" {
		return remote, nil
	}

	opts := secretstore.OpenOptions{Path: filepath.Join(dataDir, "license")}
	if raw := os.Getenv("LICENSE_STORE_KEY"); raw != "" {
		key, err := secretstore.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("LICENSE_STORE_KEY 无效: %w", err)
		}
		opts.EncryptionKey = key
	}
	store, err := secretstore.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开许可缓存失败: %w", err)
	}
	return license.NewEmbedded(remote, store, 0), nil
}

// buildVenue 按配置装配跟单账户执行端
func buildVenue(cfg *config.Config, svc *persistence.JSONFileService) venue.Venue {
	if cfg.Venue.Type == "paper" {
		logrus.Warnf("📝 纸交易模式已启用：不会进行真实交易，持仓仅记录在本地")
		return venue.NewPaper(svc.NewStore("copier", "paper", "venue"))
	}
	return venue.NewREST(venue.RESTConfig{
		BaseURL:          cfg.Venue.URL,
		Token:            cfg.Venue.Token,
		Timeout:          time.Duration(cfg.Venue.TimeoutMs) * time.Millisecond,
		RateCapacity:     cfg.Venue.RateCapacity,
		RateRefillPerSec: cfg.Venue.RateRefillPerSec,
	})
}

// buildAudit 按配置装配审计落地，多个 sink 时扇出写入
func buildAudit(cfg *config.Config) (audit.Writer, error) {
	var writers []audit.Writer
	for _, sink := range cfg.Audit.Sinks {
		switch sink {
		case "jsonl":
			w, err := audit.NewJSONL(cfg.Audit.JSONLPath)
			if err != nil {
				return nil, fmt.Errorf("初始化 JSONL 审计失败: %w", err)
			}
			writers = append(writers, w)
		case "sqlite":
			w, err := audit.NewSQLite(cfg.Audit.SQLitePath)
			if err != nil {
				return nil, fmt.Errorf("初始化 SQLite 审计失败: %w", err)
			}
			writers = append(writers, w)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return audit.NewMulti(writers...), nil
}

func curveFor(c config.CurveConfig, server bool) *transport.CurveOptions {
	if !c.Enabled {
		return nil
	}
	opts := &transport.CurveOptions{
		Server:    server,
		PublicKey: c.PublicKey,
		SecretKey: c.SecretKey,
	}
	if !server {
		opts.ServerKey = c.ServerKey
	}
	return opts
}

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	showVersion := flag.Bool("version", false, "打印版本号后退出")
	flag.Parse()

	if *showVersion {
		fmt.Println("copier", version)
		return
	}

	// .env 尽力加载，缺失时直接使用真实环境变量
	_ = godotenv.Load()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	// 设置配置文件路径
	if *configPath != "" {
		config.SetConfigPath(*configPath)
		logrus.Infof("使用配置文件: %s", *configPath)
	} else {
		if p, ok := firstExistingFile("yml/copier.yaml", "copier.yaml"); ok {
			config.SetConfigPath(p)
			logrus.Infof("使用默认配置文件: %s", p)
		} else {
			logrus.Warnf("未指定配置文件，将使用环境变量和默认值")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	// 设置 logrus 日志级别与格式
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
		logrus.Warnf("无效的日志级别 %s，使用默认级别: info", cfg.LogLevel)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	// 使用配置重新初始化日志（文件输出 + 滚动）
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	logrus.Infof("🚀 启动跟单引擎 copier %s ...", version)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 持久化服务：设备标识、持仓映射、纸交易状态共用一套
	persistenceService := persistence.NewJSONFileService(filepath.Join(cfg.DataDir, "persistence"))

	deviceID, err := loadDeviceID(persistenceService)
	if err != nil {
		logrus.Errorf("加载设备标识失败: %v", err)
		os.Exit(1)
	}

	// 许可验证：启动失败直接退出（开发模式在 Guard 内部放行）
	validator, err := buildValidator(cfg, cfg.DataDir)
	if err != nil {
		logrus.Errorf("装配许可验证器失败: %v", err)
		os.Exit(1)
	}
	guard := license.NewGuard(validator, license.Request{
		LicenseKey: cfg.License.Key,
		AccountID:  cfg.License.AccountID,
		Broker:     cfg.License.Broker,
		DeviceID:   deviceID,
	}, license.GuardConfig{
		RecheckInterval: time.Duration(cfg.License.RecheckSeconds) * time.Second,
		DevBypass:       cfg.License.DevBypass,
	})
	if err := guard.Start(rootCtx); err != nil {
		logrus.Errorf("许可校验失败，拒绝启动: %v", err)
		os.Exit(1)
	}

	// 执行端与审计
	exec := buildVenue(cfg, persistenceService)
	auditWriter, err := buildAudit(cfg)
	if err != nil {
		logrus.Errorf("装配审计失败: %v", err)
		os.Exit(1)
	}

	// 传输层：两个 SUB 连接主账户发布端，REP 绑定本地命令通道
	recvTimeout := time.Duration(cfg.Transport.RecvTimeoutMs) * time.Millisecond
	if cfg.Transport.Curve.Enabled {
		if !transport.CurveSupported() {
			logrus.Errorf("CURVE 加密已启用但底层库不支持，请安装带 libsodium 的 libzmq")
			os.Exit(1)
		}
		logrus.Info("🔐 CURVE 加密通道已启用")
	}

	eventSock, err := transport.NewSub(transport.Options{
		RecvTimeout: recvTimeout,
		Subscribe:   []string{"EVENT"},
		Curve:       curveFor(cfg.Transport.Curve, false),
	})
	if err != nil {
		logrus.Errorf("创建事件订阅套接字失败: %v", err)
		os.Exit(1)
	}
	if err := eventSock.Connect(cfg.Transport.SubscribeEndpoint); err != nil {
		logrus.Errorf("连接事件发布端失败: %v", err)
		os.Exit(1)
	}

	snapshotSock, err := transport.NewSub(transport.Options{
		RecvTimeout: recvTimeout,
		Subscribe:   []string{"SNAPSHOT"},
		Curve:       curveFor(cfg.Transport.Curve, false),
	})
	if err != nil {
		logrus.Errorf("创建快照订阅套接字失败: %v", err)
		os.Exit(1)
	}
	if err := snapshotSock.Connect(cfg.Transport.SubscribeEndpoint); err != nil {
		logrus.Errorf("连接快照发布端失败: %v", err)
		os.Exit(1)
	}

	commandSock, err := transport.NewRep(transport.Options{
		RecvTimeout: recvTimeout,
		Curve:       curveFor(cfg.Transport.Curve, true),
	})
	if err != nil {
		logrus.Errorf("创建命令套接字失败: %v", err)
		os.Exit(1)
	}
	if err := commandSock.Bind(cfg.Transport.CommandEndpoint); err != nil {
		logrus.Errorf("绑定命令通道失败: %v", err)
		os.Exit(1)
	}
	logrus.Infof("命令通道已就绪: %s", cfg.Transport.CommandEndpoint)

	var stateSock *transport.Socket
	if cfg.Transport.PublishEndpoint != "" {
		stateSock, err = transport.NewPub(transport.Options{
			Curve: curveFor(cfg.Transport.Curve, true),
		})
		if err != nil {
			logrus.Errorf("创建状态发布套接字失败: %v", err)
			os.Exit(1)
		}
		if err := stateSock.Bind(cfg.Transport.PublishEndpoint); err != nil {
			logrus.Errorf("绑定状态发布端失败: %v", err)
			os.Exit(1)
		}
		logrus.Infof("状态广播已就绪: %s", cfg.Transport.PublishEndpoint)
	}

	// 持仓映射：每次变更即落盘，重启后对账不会重复开仓
	mappings := copier.NewMappingStore(persistenceService.NewStore("copier", "mappings", "state"))

	cmdServer := command.NewServer(commandSock)

	var stateOut copier.Publisher
	if stateSock != nil {
		stateOut = stateSock
	}
	engine := copier.NewEngine(copier.Params{
		Mirror:       cfg.Mirror,
		TickInterval: time.Duration(cfg.TickMs) * time.Millisecond,
		Venue:        exec,
		Mappings:     mappings,
		Audit:        auditWriter,
		Gate:         guard,
		Events:       eventSock,
		Snapshots:    snapshotSock,
		Commands:     cmdServer,
		StateOut:     stateOut,
	})

	// 可选调试与只读状态服务
	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.MetricsListen); err != nil {
			logrus.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			logrus.Infof("📊 metrics/pprof 启用: listen=%s (expvar:/debug/vars, pprof:/debug/pprof)", cfg.MetricsListen)
		}
	}
	if cfg.ControlPlaneListen != "" {
		if _, err := controlplane.StartAsync(rootCtx, cfg.ControlPlaneListen, engine); err != nil {
			logrus.Errorf("控制面启动失败: %v", err)
		} else {
			logrus.Infof("🖥️ 只读状态 API 启用: listen=%s", cfg.ControlPlaneListen)
		}
	}

	// 引擎独占一个 goroutine，套接字只在引擎内轮询
	engineCtx, engineCancel := context.WithCancel(rootCtx)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(engineCtx); err != nil {
			logrus.Errorf("引擎异常退出: %v", err)
		}
	}()

	logrus.Infof("✅ 跟单引擎已启动: 订阅=%s 镜像=%+v", cfg.Transport.SubscribeEndpoint, cfg.Mirror)
	logrus.Info("按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("收到停止信号，正在关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 1. 停止引擎调度循环，等退出后再动套接字
	engineCancel()
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		logrus.Warn("等待引擎退出超时")
	}

	// 2. 关闭订阅与命令通道
	if err := eventSock.Close(); err != nil {
		logrus.Errorf("关闭事件订阅失败: %v", err)
	}
	if err := snapshotSock.Close(); err != nil {
		logrus.Errorf("关闭快照订阅失败: %v", err)
	}
	if err := commandSock.Close(); err != nil {
		logrus.Errorf("关闭命令通道失败: %v", err)
	}
	if stateSock != nil {
		if err := stateSock.Close(); err != nil {
			logrus.Errorf("关闭状态发布失败: %v", err)
		}
	}

	// 3. 注销许可（开发模式跳过）并释放验证器
	if err := guard.Close(shutdownCtx); err != nil {
		logrus.Warnf("注销许可失败: %v", err)
	}

	// 4. 审计落盘
	if err := auditWriter.Close(); err != nil {
		logrus.Errorf("关闭审计失败: %v", err)
	}

	rootCancel()
	logrus.Info("✅ 跟单引擎已停止")
}
