package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SignatureHeader 回调签名请求头
const SignatureHeader = "EVMx-Signature"

// MessageString 按 key 升序拼接 k=v, 以 & 连接, 跳过空值
func MessageString(message map[string]any) string {
	keys := make([]string, 0, len(message))
	for k := range message {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := formatValue(message[k])
		if !ok || v == "" {
			continue
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&")
}

func formatValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return fmt.Sprintf("%v", val), true
	}
}

// Sign 计算 HMAC-SHA256 签名 (hex)
func Sign(message map[string]any, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(MessageString(message)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 校验签名
func Verify(message map[string]any, key, signature string) bool {
	expected := Sign(message, key)
	return hmac.Equal([]byte(expected), []byte(signature))
}
