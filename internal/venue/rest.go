package venue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/pkg/ratelimit"
)

// RESTConfig 本机 MT5 桥接服务的连接参数
type RESTConfig struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	RateCapacity     int // 令牌桶容量，0 取默认 150
	RateRefillPerSec int // 每秒补充令牌数，0 取默认 15
}

// RESTVenue 通过桥接服务 HTTP 接口操作跟单账户
type RESTVenue struct {
	client  *resty.Client
	limiter ratelimit.RateLimiter
}

// NewREST 创建桥接柜台客户端
func NewREST(cfg RESTConfig) *RESTVenue {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateCapacity <= 0 {
		cfg.RateCapacity = 150
	}
	if cfg.RateRefillPerSec <= 0 {
		cfg.RateRefillPerSec = 15
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先使用 Retry-After 头
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 2 * time.Second, nil
			}
			return 0, nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// 只重试只读请求，下单/平仓/改单失败一律交回上层
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return resp.StatusCode() == http.StatusTooManyRequests ||
				resp.StatusCode() >= http.StatusInternalServerError
		})

	return &RESTVenue{
		client:  client,
		limiter: ratelimit.NewTokenBucket(cfg.RateCapacity, cfg.RateRefillPerSec),
	}
}

// bridgeSnapshot 桥接服务账户快照，字段名与桥接端一致
type bridgeSnapshot struct {
	Balance    float64          `json:"balance"`
	Equity     float64          `json:"equity"`
	Margin     float64          `json:"margin"`
	MarginFree float64          `json:"margin_free"`
	Currency   string           `json:"currency"`
	Positions  []bridgePosition `json:"positions"`
}

type bridgePosition struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	Comment      string  `json:"comment"`
}

type bridgeOrderResult struct {
	Success    bool    `json:"success"`
	Ticket     int64   `json:"ticket"`
	Order      int64   `json:"order"`
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	Commission float64 `json:"commission"`
	Retcode    int     `json:"retcode"`
	Message    string  `json:"message"`
	Error      string  `json:"error"`
}

type bridgeSymbolSpec struct {
	Symbol  string  `json:"symbol"`
	LotMin  float64 `json:"lot_min"`
	LotMax  float64 `json:"lot_max"`
	LotStep float64 `json:"lot_step"`
	Digits  int     `json:"digits"`
}

// SymbolSpec 查询品种手数规格
func (v *RESTVenue) SymbolSpec(ctx context.Context, symbol string) (domain.SymbolSpec, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return domain.SymbolSpec{}, err
	}
	var out bridgeSymbolSpec
	resp, err := v.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/mt5/symbol/" + symbol)
	if err != nil {
		return domain.SymbolSpec{}, &ExecutionError{Op: "symbol_spec", Symbol: symbol, Message: err.Error()}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.SymbolSpec{}, &ExecutionError{Op: "symbol_spec", Symbol: symbol, Message: "品种不存在"}
	}
	if !resp.IsSuccess() {
		return domain.SymbolSpec{}, &ExecutionError{Op: "symbol_spec", Symbol: symbol, Message: resp.Status()}
	}
	return domain.SymbolSpec{
		Symbol:  out.Symbol,
		LotMin:  out.LotMin,
		LotMax:  out.LotMax,
		LotStep: out.LotStep,
		Digits:  out.Digits,
	}, nil
}

// OpenMarket 市价开仓
func (v *RESTVenue) OpenMarket(ctx context.Context, req OrderRequest) (*Fill, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body := map[string]any{
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"volume":    req.Volume,
		"sl":        req.StopLoss,
		"tp":        req.TakeProfit,
		"fill_mode": string(req.FillMode),
		"comment":   req.Comment,
	}
	var out bridgeOrderResult
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/api/mt5/order")
	if err != nil {
		return nil, &ExecutionError{Op: "open", Symbol: req.Symbol, Message: err.Error()}
	}
	if !resp.IsSuccess() || !out.Success {
		return nil, &ExecutionError{
			Op:      "open",
			Symbol:  req.Symbol,
			Retcode: out.Retcode,
			Message: firstNonEmpty(out.Error, out.Message, resp.Status()),
		}
	}
	fill := &Fill{Ticket: out.Ticket, Price: out.Price, Volume: out.Volume}
	if fill.Volume == 0 {
		fill.Volume = req.Volume
	}
	return fill, nil
}

// ClosePosition 市价平仓
func (v *RESTVenue) ClosePosition(ctx context.Context, ticket int64) (*Fill, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var out bridgeOrderResult
	resp, err := v.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Delete(fmt.Sprintf("/api/mt5/order/%d", ticket))
	if err != nil {
		return nil, &ExecutionError{Op: "close", Message: err.Error()}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrPositionNotFound
	}
	if !resp.IsSuccess() || !out.Success {
		return nil, &ExecutionError{
			Op:      "close",
			Retcode: out.Retcode,
			Message: firstNonEmpty(out.Error, out.Message, resp.Status()),
		}
	}
	return &Fill{
		Ticket:     ticket,
		Price:      out.Price,
		Volume:     out.Volume,
		Profit:     out.Profit,
		Swap:       out.Swap,
		Commission: out.Commission,
	}, nil
}

// ModifyPosition 修改止损止盈
func (v *RESTVenue) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return err
	}
	var out bridgeOrderResult
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"sl": stopLoss, "tp": takeProfit}).
		SetResult(&out).
		SetError(&out).
		Put(fmt.Sprintf("/api/mt5/order/%d", ticket))
	if err != nil {
		return &ExecutionError{Op: "modify", Message: err.Error()}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return ErrPositionNotFound
	}
	if !resp.IsSuccess() || !out.Success {
		return &ExecutionError{
			Op:      "modify",
			Retcode: out.Retcode,
			Message: firstNonEmpty(out.Error, out.Message, resp.Status()),
		}
	}
	return nil
}

// Positions 返回当前全部持仓
func (v *RESTVenue) Positions(ctx context.Context) ([]domain.FollowerPosition, error) {
	snap, err := v.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]domain.FollowerPosition, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, domain.FollowerPosition{
			Ticket:       p.Ticket,
			Symbol:       p.Symbol,
			Side:         domain.Side(p.Type),
			Volume:       p.Volume,
			OpenPrice:    p.PriceOpen,
			CurrentPrice: p.PriceCurrent,
			StopLoss:     p.StopLoss,
			TakeProfit:   p.TakeProfit,
			Profit:       p.Profit,
			Swap:         p.Swap,
			Comment:      p.Comment,
		})
	}
	return positions, nil
}

// Account 返回账户快照
func (v *RESTVenue) Account(ctx context.Context) (*domain.AccountSnapshot, error) {
	snap, err := v.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.AccountSnapshot{
		Balance:    snap.Balance,
		Equity:     snap.Equity,
		Margin:     snap.Margin,
		FreeMargin: snap.MarginFree,
		Currency:   snap.Currency,
	}, nil
}

// SupportedFillModes 桥接柜台三种模式都支持
func (v *RESTVenue) SupportedFillModes() []domain.FillMode {
	return []domain.FillMode{domain.FillIOC, domain.FillFOK, domain.FillReturn}
}

func (v *RESTVenue) snapshot(ctx context.Context) (*bridgeSnapshot, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var out bridgeSnapshot
	resp, err := v.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/mt5/snapshot")
	if err != nil {
		return nil, &ExecutionError{Op: "snapshot", Message: err.Error()}
	}
	if !resp.IsSuccess() {
		return nil, &ExecutionError{Op: "snapshot", Message: resp.Status()}
	}
	return &out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Venue = (*RESTVenue)(nil)
