package lending

import (
	"encoding/binary"

	"vaultlend/crypto"
)

var (
	marketPrefix     = []byte("lending/market/")
	indexPrefix      = []byte("lending/index/")
	accruedPrefix    = []byte("lending/accrued/")
	collateralPrefix = []byte("lending/collateral/")
	debtPrefix       = []byte("lending/debt/")
	totalsPrefix     = []byte("lending/totals/")
	borrowersPrefix  = []byte("lending/borrowers/")
	marketCountKey   = []byte("lending/market-count")
	lastBlockKey     = []byte("lending/last-block")
	accrualCursorKey = []byte("lending/accrual-cursor")
	warningCursorKey = []byte("lending/warning-cursor")
)

func withMarket(prefix []byte, id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(append([]byte(nil), prefix...), buf[:]...)
}

func withAccount(prefix []byte, id uint64, addr crypto.Address) []byte {
	key := withMarket(prefix, id)
	key = append(key, '/')
	return append(key, addr[:]...)
}

func marketKey(id uint64) []byte                          { return withMarket(marketPrefix, id) }
func indexKey(id uint64) []byte                           { return withMarket(indexPrefix, id) }
func accruedKey(id uint64) []byte                         { return withMarket(accruedPrefix, id) }
func totalsKey(id uint64) []byte                          { return withMarket(totalsPrefix, id) }
func borrowersKey(id uint64) []byte                       { return withMarket(borrowersPrefix, id) }
func collateralKey(id uint64, addr crypto.Address) []byte { return withAccount(collateralPrefix, id, addr) }
func debtKey(id uint64, addr crypto.Address) []byte       { return withAccount(debtPrefix, id, addr) }
