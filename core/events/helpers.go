package events

import (
	"math/big"
	"strconv"
	"strings"

	"floorlend/crypto"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func addressString(addr crypto.Address) string {
	if addr.IsZero() {
		return ""
	}
	return addr.String()
}

func uintString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
