package blockchain

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidAddress = errors.New("invalid address")

// KeyPair 新生成的账户密钥
type KeyPair struct {
	Address    string
	PrivateKey string
}

// GenerateKeyPair 生成 secp256k1 密钥与校验和地址
func GenerateKeyPair() (*KeyPair, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Address:    ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(ethcrypto.FromECDSA(key)),
	}, nil
}

// ParsePrivateKey 解析十六进制私钥
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X"))
}

// ChecksumAddress 校验并返回 EIP-55 校验和地址
func ChecksumAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(addr).Hex(), nil
}

// LegacyTx 待签名的 legacy 交易参数
type LegacyTx struct {
	ChainID  int64
	Nonce    uint64
	To       common.Address
	Value    *big.Int
	Data     string
	GasPrice *big.Int
}

// SignLegacy 使用 EIP-155 签名 legacy 交易
func SignLegacy(key *ecdsa.PrivateKey, params *LegacyTx) (*types.Transaction, error) {
	var data []byte
	if params.Data != "" && params.Data != "0x" {
		var err error
		data, err = hexutil.Decode(ensureHexPrefix(params.Data))
		if err != nil {
			return nil, err
		}
	}

	value := params.Value
	if value == nil {
		value = new(big.Int)
	}

	to := params.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    params.Nonce,
		To:       &to,
		Value:    value,
		Gas:      GasLimit(params.Data, value),
		GasPrice: params.GasPrice,
		Data:     data,
	})

	signer := types.NewEIP155Signer(big.NewInt(params.ChainID))
	return types.SignTx(tx, signer, key)
}
