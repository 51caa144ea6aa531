package canon

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
)

var (
	bareHexHashRE = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	proseTxHashRE = regexp.MustCompile(`\b0x[0-9a-fA-F]{64}\b`)

	placeholderTx = map[string]struct{}{"n/a": {}, "na": {}, "unknown": {}, "none": {}, "-": {}, "tbd": {}}

	evmChains = map[string]struct{}{
		ChainEthereum: {}, ChainBSC: {}, ChainPolygon: {}, ChainArbitrum: {}, ChainOptimism: {},
		ChainAvalanche: {}, ChainFantom: {}, ChainBase: {}, ChainGnosis: {}, ChainZkSync: {},
		ChainLinea: {}, ChainBlast: {}, ChainRonin: {}, ChainHarmony: {},
	}
)

// NormalizeTx returns the canonical form of a transaction id, or "" for
// placeholders and malformed Solana signatures. Hex ids are
// case-insensitive and lowercased; EVM hashes missing their prefix get one.
// Base58 ids keep their case.
func NormalizeTx(chain, tx string) string {
	tx = strings.TrimSpace(tx)
	if _, ok := placeholderTx[strings.ToLower(tx)]; ok || tx == "" {
		return ""
	}
	if has0xPrefix(tx) {
		lower := strings.ToLower(tx)
		if b, err := hexutil.Decode(lower); err == nil && len(b) == common.HashLength {
			return common.BytesToHash(b).Hex()
		}
		return lower
	}
	if bareHexHashRE.MatchString(tx) {
		if _, ok := evmChains[chain]; ok {
			return "0x" + strings.ToLower(tx)
		}
		return strings.ToLower(tx)
	}
	if chain == ChainSolana && !isBase58Signature(tx) {
		return ""
	}
	return tx
}

func isBase58Signature(tx string) bool {
	b, err := base58.Decode(tx)
	return err == nil && len(b) == 64
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func txFromText(text string) string {
	return proseTxHashRE.FindString(text)
}
