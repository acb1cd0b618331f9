package state

import "lendhelper/crypto"

var (
	assetMetaPrefix  = []byte("asset-meta:")
	assetListKey     = []byte("asset-list")
	balancePrefix    = []byte("balance:")
	allowancePrefix  = []byte("allowance:")
	supplyPrefix     = []byte("supply:")
	marketPrefix     = []byte("market:")
	marketListKey    = []byte("market-list")
	borrowPrefix     = []byte("borrow:")
	registryPrefix   = []byte("registry:")
	delegatePrefix   = []byte("delegate:")
	keySeparator     = byte('/')
	addressKeyLength = len(crypto.MarketPrefix) + 1 + crypto.AddressLength
)

func compositeKey(prefix []byte, parts ...crypto.Address) []byte {
	buf := make([]byte, 0, len(prefix)+len(parts)*(addressKeyLength+1))
	buf = append(buf, prefix...)
	for i, part := range parts {
		if i > 0 {
			buf = append(buf, keySeparator)
		}
		buf = append(buf, part.Key()...)
	}
	return buf
}

func assetMetaKey(asset crypto.Address) []byte {
	return compositeKey(assetMetaPrefix, asset)
}

func balanceKey(asset, owner crypto.Address) []byte {
	return compositeKey(balancePrefix, asset, owner)
}

func allowanceKey(asset, owner, spender crypto.Address) []byte {
	return compositeKey(allowancePrefix, asset, owner, spender)
}

func supplyKey(asset crypto.Address) []byte {
	return compositeKey(supplyPrefix, asset)
}

func marketKey(market crypto.Address) []byte {
	return compositeKey(marketPrefix, market)
}

func borrowKey(market, account crypto.Address) []byte {
	return compositeKey(borrowPrefix, market, account)
}

func registryKey(market crypto.Address) []byte {
	return compositeKey(registryPrefix, market)
}

func delegateKey(operator crypto.Address) []byte {
	return compositeKey(delegatePrefix, operator)
}
