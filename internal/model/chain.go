package model

// ZeroAddress 原生币的代币地址
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Chain 公链
type Chain struct {
	ChainID       int64  `gorm:"column:chain_id;primaryKey;autoIncrement:false" json:"chain_id"`
	Name          string `gorm:"column:name;type:varchar(64);not null" json:"name"`
	Endpoint      string `gorm:"column:endpoint;type:varchar(256);not null" json:"endpoint"`
	Confirmations int64  `gorm:"column:confirmations;not null;default:16" json:"confirmations"`
	IsPOA         bool   `gorm:"column:is_poa;not null;default:false" json:"is_poa"`
	CurrencyID    int64  `gorm:"column:currency_id;not null" json:"currency_id"`
	Active        bool   `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt     int64  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     int64  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName 返回表名
func (Chain) TableName() string {
	return "evmx_chains"
}

// Block 区块
type Block struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ChainID    int64  `gorm:"column:chain_id;not null;uniqueIndex:uk_blocks_chain_number,priority:1" json:"chain_id"`
	Hash       string `gorm:"column:hash;type:varchar(66);not null;uniqueIndex" json:"hash"`
	Number     int64  `gorm:"column:number;not null;uniqueIndex:uk_blocks_chain_number,priority:2" json:"number"`
	ParentHash string `gorm:"column:parent_hash;type:varchar(66);not null;index" json:"parent_hash"`
	Timestamp  int64  `gorm:"column:timestamp;not null" json:"timestamp"` // 出块时间 (秒)
	Confirmed  bool   `gorm:"column:confirmed;not null;default:false;index" json:"confirmed"`
	CreatedAt  int64  `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (Block) TableName() string {
	return "evmx_blocks"
}
