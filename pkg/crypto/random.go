package crypto

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	alphabet       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	confusingChars = "'0oOq9gIl1'"
)

var readableAlphabet = func() string {
	var b strings.Builder
	for _, c := range alphabet {
		if !strings.ContainsRune(confusingChars, c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}()

// RandomCode 生成随机字母数字串, readable 时剔除易混淆字符
func RandomCode(length int, readable bool) string {
	chars := alphabet
	if readable {
		chars = readableAlphabet
	}
	max := big.NewInt(int64(len(chars)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		buf[i] = chars[n.Int64()]
	}
	return string(buf)
}

// RandomBytes 生成随机字节
func RandomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return buf
}
