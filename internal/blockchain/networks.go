package blockchain

// Currency 原生币元数据
type Currency struct {
	Name     string
	Symbol   string
	Decimals int32
}

// Network 已知网络元数据
type Network struct {
	ChainID  int64
	Name     string
	Currency Currency
}

var knownNetworks = map[int64]Network{
	1:        {ChainID: 1, Name: "Ethereum Mainnet", Currency: Currency{Name: "Ether", Symbol: "ETH", Decimals: 18}},
	10:       {ChainID: 10, Name: "OP Mainnet", Currency: Currency{Name: "Ether", Symbol: "ETH", Decimals: 18}},
	56:       {ChainID: 56, Name: "BNB Smart Chain Mainnet", Currency: Currency{Name: "BNB Chain Native Token", Symbol: "BNB", Decimals: 18}},
	97:       {ChainID: 97, Name: "BNB Smart Chain Testnet", Currency: Currency{Name: "BNB Chain Native Token", Symbol: "tBNB", Decimals: 18}},
	137:      {ChainID: 137, Name: "Polygon Mainnet", Currency: Currency{Name: "POL", Symbol: "POL", Decimals: 18}},
	250:      {ChainID: 250, Name: "Fantom Opera", Currency: Currency{Name: "Fantom", Symbol: "FTM", Decimals: 18}},
	8453:     {ChainID: 8453, Name: "Base", Currency: Currency{Name: "Ether", Symbol: "ETH", Decimals: 18}},
	31337:    {ChainID: 31337, Name: "Hardhat", Currency: Currency{Name: "Go Chain Ether", Symbol: "GO", Decimals: 18}},
	42161:    {ChainID: 42161, Name: "Arbitrum One", Currency: Currency{Name: "Ether", Symbol: "ETH", Decimals: 18}},
	43114:    {ChainID: 43114, Name: "Avalanche C-Chain", Currency: Currency{Name: "Avalanche", Symbol: "AVAX", Decimals: 18}},
	80002:    {ChainID: 80002, Name: "Amoy", Currency: Currency{Name: "POL", Symbol: "POL", Decimals: 18}},
	11155111: {ChainID: 11155111, Name: "Sepolia", Currency: Currency{Name: "Sepolia Ether", Symbol: "SEP", Decimals: 18}},
}

// LookupNetwork 查询内置网络元数据
func LookupNetwork(chainID int64) (Network, bool) {
	n, ok := knownNetworks[chainID]
	return n, ok
}

// IsPOA extraData 超过 32 字节视为 POA 网络
func IsPOA(block *Block) bool {
	return len(block.ExtraData) > 32
}
