package blockchain

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ihawking/evmx/pkg/crypto"
)

// FactoryDeploySelector 账单合约工厂 deploy(bytes,uint256) 方法选择器
const FactoryDeploySelector = "0x9c4ae2d0"

var ErrEmptyBytecode = errors.New("invoice contract bytecode is empty")

var (
	addressType, _ = abi.NewType("address", "", nil)
	bytesType, _   = abi.NewType("bytes", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
)

// Create2Address 计算 keccak256(0xff ‖ factory ‖ salt ‖ keccak256(initCode)) 的后 20 字节
func Create2Address(factory common.Address, salt [32]byte, initCode []byte) common.Address {
	codeHash := crypto.Keccak256(initCode)
	digest := crypto.Keccak256([]byte{0xff}, factory.Bytes(), salt[:], codeHash)
	return common.BytesToAddress(digest[12:])
}

// InvoiceInitCode 拼接账单合约字节码与构造参数
// token 为 nil 表示主币账单，构造参数为 (collection)，否则为 (token, collection)
func InvoiceInitCode(bytecode string, token *common.Address, collection common.Address) ([]byte, error) {
	code, err := hexutil.Decode(ensureHexPrefix(bytecode))
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, ErrEmptyBytecode
	}

	var args []byte
	if token == nil {
		args, err = abi.Arguments{{Type: addressType}}.Pack(collection)
	} else {
		args, err = abi.Arguments{{Type: addressType}, {Type: addressType}}.Pack(*token, collection)
	}
	if err != nil {
		return nil, err
	}
	return append(code, args...), nil
}

// FactoryDeployData 生成工厂合约部署调用数据
func FactoryDeployData(initCode []byte, salt [32]byte) (string, error) {
	args, err := abi.Arguments{{Type: bytesType}, {Type: uint256Type}}.Pack(initCode, new(big.Int).SetBytes(salt[:]))
	if err != nil {
		return "", err
	}
	return FactoryDeploySelector + hexutil.Encode(args)[2:], nil
}

// ParseSalt 解析 32 字节十六进制盐值
func ParseSalt(s string) ([32]byte, error) {
	var salt [32]byte
	raw, err := hexutil.Decode(ensureHexPrefix(s))
	if err != nil {
		return salt, err
	}
	if len(raw) != 32 {
		return salt, errors.New("salt must be 32 bytes")
	}
	copy(salt[:], raw)
	return salt, nil
}

func ensureHexPrefix(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
