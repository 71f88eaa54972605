package scraper

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyStockCode 表示库存编码为空。
	ErrEmptyStockCode = errors.New("stock code is empty")
	// ErrUnknownSupplier 表示供应商不在已知集合中或未配置抓取地址。
	ErrUnknownSupplier = errors.New("unknown supplier")
)

// Kind 标识抓取失败的类别。
type Kind string

const (
	KindValidation Kind = "validation"  // 输入参数错误
	KindNetwork    Kind = "network"     // 连接失败
	KindTimeout    Kind = "timeout"     // 超过调用时限
	KindHTTPStatus Kind = "http_status" // 非 2xx 状态码
	KindNonJSON    Kind = "non_json"    // 响应体不是 JSON
	KindMalformed  Kind = "malformed"   // JSON 格式或字段错误
	KindSupplier   Kind = "supplier"    // 抓取服务返回 success=false
)

// Transport 判断该类别是否属于传输层失败。
func (k Kind) Transport() bool {
	switch k {
	case KindNetwork, KindTimeout, KindHTTPStatus, KindNonJSON, KindMalformed:
		return true
	}
	return false
}

// Error 是抓取调用的类型化失败。
type Error struct {
	Kind      Kind
	Supplier  string
	StockCode string
	Status    int    // 仅 KindHTTPStatus 时有效
	Message   string // 可读的错误描述
	Err       error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("scrape %s/%s", e.Supplier, e.StockCode)
	switch {
	case e.Kind == KindHTTPStatus:
		return fmt.Sprintf("%s: http status %d: %s", prefix, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 返回错误的类别，非抓取错误返回空字符串。
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsTransport 判断错误是否为传输层失败。
func IsTransport(err error) bool {
	return KindOf(err).Transport()
}
