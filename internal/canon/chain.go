package canon

import (
	"regexp"
	"strings"
)

// Canonical chain names. Anything outside this vocabulary passes through
// verbatim and is flagged as unmapped.
const (
	ChainEthereum   = "Ethereum"
	ChainBSC        = "BSC"
	ChainPolygon    = "Polygon"
	ChainArbitrum   = "Arbitrum"
	ChainOptimism   = "Optimism"
	ChainAvalanche  = "Avalanche"
	ChainFantom     = "Fantom"
	ChainSolana     = "Solana"
	ChainCosmos     = "Cosmos"
	ChainOsmosis    = "Osmosis"
	ChainAptos      = "Aptos"
	ChainSui        = "Sui"
	ChainPolkadot   = "Polkadot"
	ChainStarknet   = "Starknet"
	ChainBase       = "Base"
	ChainRonin      = "Ronin"
	ChainHarmony    = "Harmony"
	ChainGnosis     = "Gnosis"
	ChainZkSync     = "zkSync"
	ChainLinea      = "Linea"
	ChainBlast      = "Blast"
	ChainTron       = "Tron"
	ChainNear       = "Near"
	ChainCardano    = "Cardano"
	ChainBitcoin    = "Bitcoin"
	ChainMultiChain = "Multi-chain"
)

var chainAliases = map[string]string{
	"ethereum": ChainEthereum, "eth": ChainEthereum, "mainnet": ChainEthereum, "ethereum mainnet": ChainEthereum,
	"bsc": ChainBSC, "binance": ChainBSC, "bnb": ChainBSC, "bnb chain": ChainBSC, "bnb smart chain": ChainBSC, "binance smart chain": ChainBSC,
	"polygon": ChainPolygon, "matic": ChainPolygon, "polygon pos": ChainPolygon,
	"arbitrum": ChainArbitrum, "arb": ChainArbitrum, "arbitrum one": ChainArbitrum,
	"optimism": ChainOptimism, "op": ChainOptimism, "op mainnet": ChainOptimism,
	"avalanche": ChainAvalanche, "avax": ChainAvalanche, "avalanche c-chain": ChainAvalanche,
	"fantom": ChainFantom, "ftm": ChainFantom,
	"solana": ChainSolana, "sol": ChainSolana,
	"cosmos": ChainCosmos, "atom": ChainCosmos, "cosmos hub": ChainCosmos,
	"osmosis": ChainOsmosis, "osmo": ChainOsmosis,
	"aptos": ChainAptos, "apt": ChainAptos,
	"sui": ChainSui,
	"polkadot": ChainPolkadot, "dot": ChainPolkadot,
	"starknet": ChainStarknet, "stark": ChainStarknet,
	"base": ChainBase,
	"ronin": ChainRonin,
	"harmony": ChainHarmony, "one": ChainHarmony,
	"gnosis": ChainGnosis, "xdai": ChainGnosis, "gnosis chain": ChainGnosis,
	"zksync": ChainZkSync, "zksync era": ChainZkSync,
	"linea": ChainLinea,
	"blast": ChainBlast,
	"tron": ChainTron, "trx": ChainTron,
	"near": ChainNear,
	"cardano": ChainCardano, "ada": ChainCardano,
	"bitcoin": ChainBitcoin, "btc": ChainBitcoin,
	"multi-chain": ChainMultiChain, "multichain": ChainMultiChain, "multiple": ChainMultiChain, "cross-chain": ChainMultiChain,
}

var evmChainIDs = map[string]string{
	"1":     ChainEthereum,
	"10":    ChainOptimism,
	"56":    ChainBSC,
	"100":   ChainGnosis,
	"137":   ChainPolygon,
	"250":   ChainFantom,
	"324":   ChainZkSync,
	"8453":  ChainBase,
	"42161": ChainArbitrum,
	"43114": ChainAvalanche,
	"59144": ChainLinea,
	"81457": ChainBlast,
}

// Only aliases that cannot be mistaken for ordinary words or tickers are
// matched inside prose.
var textChainKeywords = []struct {
	re    *regexp.Regexp
	chain string
}{
	{wordRE("ethereum"), ChainEthereum},
	{wordRE("binance smart chain"), ChainBSC},
	{wordRE("bnb chain"), ChainBSC},
	{wordRE("bsc"), ChainBSC},
	{wordRE("polygon"), ChainPolygon},
	{wordRE("arbitrum"), ChainArbitrum},
	{wordRE("optimism"), ChainOptimism},
	{wordRE("avalanche"), ChainAvalanche},
	{wordRE("fantom"), ChainFantom},
	{wordRE("solana"), ChainSolana},
	{wordRE("cosmos"), ChainCosmos},
	{wordRE("osmosis"), ChainOsmosis},
	{wordRE("aptos"), ChainAptos},
	{wordRE("polkadot"), ChainPolkadot},
	{wordRE("starknet"), ChainStarknet},
	{wordRE("ronin"), ChainRonin},
	{wordRE("gnosis chain"), ChainGnosis},
	{wordRE("zksync"), ChainZkSync},
	{wordRE("linea"), ChainLinea},
	{wordRE("tron"), ChainTron},
	{wordRE("cardano"), ChainCardano},
	{wordRE("bitcoin"), ChainBitcoin},
}

func wordRE(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
}

// NormalizeChain maps a source chain name onto the vocabulary. Unknown names
// are returned trimmed with mapped=false.
func NormalizeChain(raw string) (name string, mapped bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	key := strings.Join(strings.Fields(strings.ToLower(trimmed)), " ")
	if chain, ok := chainAliases[key]; ok {
		return chain, true
	}
	return trimmed, false
}

// ChainFromID maps an EVM chain id.
func ChainFromID(id string) (name string, mapped bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if chain, ok := evmChainIDs[id]; ok {
		return chain, true
	}
	return "eip155:" + id, false
}

func chainFromText(text string) string {
	best := -1
	chain := ""
	for _, kw := range textChainKeywords {
		loc := kw.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if best == -1 || loc[0] < best {
			best = loc[0]
			chain = kw.chain
		}
	}
	return chain
}
