package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"exploitwatch/internal/incident"
)

const hashVersion = "v1"

// ContentHash derives the identity of an incident. A transaction id is
// decisive when present; otherwise the hash covers protocol, occurrence time
// and amount on the chain.
func ContentHash(inc incident.Incident) string {
	chain := strings.ToLower(inc.Chain)
	var parts []string
	if inc.TxHash != "" {
		parts = []string{hashVersion, chain, "tx", inc.TxHash}
	} else {
		amount := "null"
		if inc.AmountUSD.Valid {
			amount = inc.AmountUSD.Decimal.String()
		}
		parts = []string{
			hashVersion,
			chain,
			strings.ToLower(inc.Protocol),
			inc.OccurredAt.UTC().Format(time.RFC3339),
			amount,
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
