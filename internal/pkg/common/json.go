package common

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ParseJSONBytes 解析 JSON 位元組切片到結構體
func ParseJSONBytes(data []byte, v interface{}) error {
	return DecodeJSON(bytes.NewReader(data), v)
}

// DecodeJSON 使用統一設定解析 JSON
func DecodeJSON(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		return err
	}

	// 確保沒有多餘資料
	if dec.More() {
		return fmt.Errorf("unexpected extra JSON data")
	}
	return nil
}

// ToJSON 將結構體轉換為 JSON 字符串
func ToJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseStringList 將可能為陣列或字串化陣列的欄位轉為字串切片。
// 無法解析時回傳空切片並記錄 debug 日誌。
func ParseStringList(raw []byte, field string) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []string{}
	}

	switch trimmed[0] {
	case '[':
		var list []interface{}
		if err := json.Unmarshal(trimmed, &list); err != nil {
			LogDebug("欄位解析失敗，使用空列表", zap.String("field", field), zap.Error(err))
			return []string{}
		}
		return stringifyList(list)
	case '"':
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			LogDebug("欄位解析失敗，使用空列表", zap.String("field", field), zap.Error(err))
			return []string{}
		}
		encoded = strings.TrimSpace(encoded)
		if encoded == "" {
			return []string{}
		}
		// 字串內必須是 JSON 陣列
		if !strings.HasPrefix(encoded, "[") {
			LogDebug("字串欄位不是 JSON 陣列，使用空列表", zap.String("field", field))
			return []string{}
		}
		return ParseStringList([]byte(encoded), field)
	default:
		LogDebug("不支援的欄位型別，使用空列表", zap.String("field", field))
		return []string{}
	}
}

func stringifyList(list []interface{}) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case nil:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}
