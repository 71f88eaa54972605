package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// wireResponse 是抓取服务的响应结构。
//
// price 和 stock 可能是数字，也可能是本地化字符串（如 "1.234,56 ₺"）。
type wireResponse struct {
	Success         bool        `json:"success"`
	StockCode       string      `json:"stockCode"`
	Price           flexDecimal `json:"price"`
	Stock           flexInt     `json:"stock"`
	IsAvailable     *bool       `json:"isAvailable"`
	FoundAtSupplier *bool       `json:"foundAtSupplier"`
	Error           string      `json:"error"`
	Message         string      `json:"message"`
	Source          string      `json:"source"`
}

type flexDecimal struct {
	Value decimal.Decimal
	Set   bool
}

func (f *flexDecimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
		v, err := parsePrice(s)
		if err != nil {
			return err
		}
		f.Value, f.Set = v, true
		return nil
	}
	v, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("invalid price %s: %w", data, err)
	}
	f.Value, f.Set = v, true
	return nil
}

type flexInt struct {
	Value int
	Set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid stock %q: %w", raw, err)
	}
	f.Value, f.Set = int(d.IntPart()), true
	return nil
}

var (
	priceNoiseRe  = regexp.MustCompile(`(?i)(₺|tl|try|\s)`)
	priceDigitsRe = regexp.MustCompile(`^-?[0-9.,]+$`)
)

// parsePrice 解析本地化价格字符串。
//
// 同时出现 "." 与 "," 时，后出现者为小数点；只出现 "," 时视为小数点；
// 只出现一个 "." 且其后恰好三位数字时视为千分位。
func parsePrice(txt string) (decimal.Decimal, error) {
	cleaned := priceNoiseRe.ReplaceAllString(txt, "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty price")
	}
	if !priceDigitsRe.MatchString(cleaned) {
		return decimal.Zero, fmt.Errorf("invalid price %q", txt)
	}

	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(cleaned, ",") > 1 {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(cleaned, ".") > 1 || len(cleaned)-lastDot-1 == 3 {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
		}
	}

	if _, err := strconv.ParseFloat(cleaned, 64); err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q", txt)
	}
	return decimal.NewFromString(cleaned)
}
