package canon

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploitwatch/internal/incident"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestCanonicalizer() *Canonicalizer {
	return New(Options{Now: func() time.Time { return fixedNow }})
}

func structured(source string, p incident.StructuredPayload) incident.RawCandidate {
	return incident.RawCandidate{Source: source, Ref: source + "-ref", Payload: &p}
}

func TestSameIncidentFromTwoSourcesHashesEqually(t *testing.T) {
	c := newTestCanonicalizer()

	a, err := c.Canonicalize(structured("a", incident.StructuredPayload{
		Chain:  "eth",
		TxHash: "0xAB",
		Amount: incident.AmountText("$2.5M"),
		Time:   incident.TimeText("2024-01-01T00:00:00Z"),
	}))
	require.NoError(t, err)

	b, err := c.Canonicalize(structured("b", incident.StructuredPayload{
		Chain:  "Ethereum",
		TxHash: "0xab",
		Amount: incident.AmountNumber(2500000),
		Time:   incident.TimeText("2024-01-01T00:00"),
	}))
	require.NoError(t, err)

	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, ChainEthereum, a.Chain)
	assert.Equal(t, "0xab", a.TxHash)
	assert.True(t, a.AmountUSD.Decimal.Equal(decimal.NewFromInt(2500000)))
	assert.True(t, b.AmountUSD.Decimal.Equal(decimal.NewFromInt(2500000)))
	assert.Equal(t, a.OccurredAt, b.OccurredAt)
	assert.Equal(t, "a", a.SourceName)
	assert.Equal(t, fixedNow, a.FirstSeenAt)
}

func TestMissingTimestampIsRejectedNotDefaulted(t *testing.T) {
	c := newTestCanonicalizer()
	_, err := c.Canonicalize(structured("a", incident.StructuredPayload{
		Chain:    "bsc",
		Protocol: "Example",
		Amount:   incident.AmountText("$1M"),
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, incident.ErrRejected)
	reason, ok := incident.RejectionReason(err)
	require.True(t, ok)
	assert.Equal(t, incident.ReasonMissingTimestamp, reason)
}

func TestRejections(t *testing.T) {
	cases := []struct {
		name    string
		payload incident.Payload
		reason  incident.RejectReason
	}{
		{
			name:    "missing chain",
			payload: &incident.StructuredPayload{Protocol: "X", Time: incident.TimeText("2024-01-01")},
			reason:  incident.ReasonMissingChain,
		},
		{
			name:    "negative amount",
			payload: &incident.StructuredPayload{Chain: "eth", Protocol: "X", Time: incident.TimeText("2024-01-01"), Amount: incident.AmountNumber(-5)},
			reason:  incident.ReasonNegativeAmount,
		},
		{
			name:    "negative textual amount",
			payload: &incident.StructuredPayload{Chain: "eth", Protocol: "X", Time: incident.TimeText("2024-01-01"), Amount: incident.AmountText("-$3M")},
			reason:  incident.ReasonNegativeAmount,
		},
		{
			name:    "unparseable amount",
			payload: &incident.StructuredPayload{Chain: "eth", Protocol: "X", Time: incident.TimeText("2024-01-01"), Amount: incident.AmountText("lots")},
			reason:  incident.ReasonUnparseableAmount,
		},
		{
			name:    "unparseable timestamp",
			payload: &incident.StructuredPayload{Chain: "eth", Protocol: "X", Time: incident.TimeText("01/02/2024")},
			reason:  incident.ReasonUnparseableTimestamp,
		},
		{
			name:    "future timestamp",
			payload: &incident.StructuredPayload{Chain: "eth", Protocol: "X", Time: incident.TimeAt(fixedNow.Add(time.Hour))},
			reason:  incident.ReasonFutureTimestamp,
		},
		{
			name:    "no protocol and no tx",
			payload: &incident.StructuredPayload{Chain: "eth", Time: incident.TimeText("2024-01-01")},
			reason:  incident.ReasonMissingProtocol,
		},
		{
			name:    "text without chain",
			payload: &incident.TextPayload{Title: "Some Protocol exploited", Published: fixedNow.Add(-time.Hour)},
			reason:  incident.ReasonMissingChain,
		},
		{
			name:    "text without date",
			payload: &incident.TextPayload{Title: "Some Protocol exploited on Ethereum"},
			reason:  incident.ReasonMissingTimestamp,
		},
		{
			name:    "nil payload",
			payload: nil,
			reason:  incident.ReasonUnsupportedPayload,
		},
	}

	c := newTestCanonicalizer()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Canonicalize(incident.RawCandidate{Source: "s", Payload: tc.payload})
			require.Error(t, err)
			var rej *incident.RejectionError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tc.reason, rej.Reason)
		})
	}
}

func TestFutureToleranceAllowsClockSkew(t *testing.T) {
	c := New(Options{FutureTolerance: 5 * time.Minute, Now: func() time.Time { return fixedNow }})
	inc, err := c.Canonicalize(structured("a", incident.StructuredPayload{
		Chain: "eth", Protocol: "X", Time: incident.TimeAt(fixedNow.Add(2 * time.Minute)),
	}))
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(2*time.Minute), inc.OccurredAt)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"$5.2M":        "5200000",
		"5.2 million":  "5200000",
		"$100,000":     "100000",
		"1.5B":         "1500000000",
		"750k":         "750000",
		"5200000":      "5200000",
		"~$3.1m":       "3100000",
		"$12 Million+": "12000000",
		"2.5bn USD":    "2500000000",
	}
	for in, want := range cases {
		got, err := ParseAmount(incident.AmountText(in))
		require.NoError(t, err, in)
		require.True(t, got.Valid, in)
		assert.True(t, got.Decimal.Equal(decimal.RequireFromString(want)), "%s: got %s", in, got.Decimal)
	}

	for _, absent := range []string{"", "  ", "unknown", "N/A"} {
		got, err := ParseAmount(incident.AmountText(absent))
		require.NoError(t, err)
		assert.False(t, got.Valid, "%q should have no amount", absent)
	}
}

func TestParseTimeConvertsToUTC(t *testing.T) {
	want := time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)
	for _, in := range []incident.RawTime{
		incident.TimeText("2024-03-05T10:30:00Z"),
		incident.TimeText("2024-03-05T12:30:00+02:00"),
		incident.TimeText("2024-03-05 10:30:00"),
		incident.TimeText("2024-03-05T10:30"),
		incident.TimeText("Tue, 05 Mar 2024 10:30:00 +0000"),
		incident.TimeText("1709634600"),
		incident.TimeUnix(1709634600),
		incident.TimeUnix(1709634600000),
		incident.TimeAt(want.In(time.FixedZone("EST", -5*3600))),
	} {
		got, err := ParseTime(in)
		require.NoError(t, err, "%+v", in)
		assert.Equal(t, want, got, "%+v", in)
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestNormalizeChain(t *testing.T) {
	for in, want := range map[string]string{
		"eth":                 ChainEthereum,
		" ETHEREUM ":          ChainEthereum,
		"Binance Smart Chain": ChainBSC,
		"bnb  chain":          ChainBSC,
		"arbitrum one":        ChainArbitrum,
		"Solana":              ChainSolana,
	} {
		got, mapped := NormalizeChain(in)
		assert.True(t, mapped, in)
		assert.Equal(t, want, got, in)
	}

	got, mapped := NormalizeChain("Kujira")
	assert.False(t, mapped)
	assert.Equal(t, "Kujira", got)

	got, mapped = ChainFromID("42161")
	assert.True(t, mapped)
	assert.Equal(t, ChainArbitrum, got)
}

func TestUnmappedChainPassesThroughFlagged(t *testing.T) {
	inc, err := newTestCanonicalizer().Canonicalize(structured("a", incident.StructuredPayload{
		Chain: "Kujira", Protocol: "ghost", Time: incident.TimeText("2024-01-01"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "Kujira", inc.Chain)
	assert.True(t, inc.UnmappedChain)
	assert.Equal(t, "Ghost", inc.Protocol)
}

func TestNormalizeTx(t *testing.T) {
	const hash = "ab00112233445566778899aabbccddeeff00112233445566778899aabbccddee"
	assert.Equal(t, "0x"+hash, NormalizeTx(ChainEthereum, "0xAB00112233445566778899AABBCCDDEEFF00112233445566778899aabbccddee"))
	assert.Equal(t, "0xab", NormalizeTx(ChainEthereum, "0xAB"))
	assert.Equal(t, "0x"+hash, NormalizeTx(ChainBSC, "AB00112233445566778899aabbccddeeff00112233445566778899aabbccddee"))
	assert.Equal(t, hash, NormalizeTx(ChainCosmos, "AB00112233445566778899AABBCCDDEEFF00112233445566778899AABBCCDDEE"))
	assert.Equal(t, "", NormalizeTx(ChainEthereum, "N/A"))

	sig := "2Ana1pUpv2ZbMVkwF5FXapYeBEjdxDatLn7nvJkhgTSXbs59SyZSx866bXirPgj8QQVB57uxHJBG1YFvkRbFj4T"
	assert.Equal(t, sig, NormalizeTx(ChainSolana, sig))
	assert.Equal(t, "", NormalizeTx(ChainSolana, "not-a-signature"))
}

func TestTextPayloadExtraction(t *testing.T) {
	c := newTestCanonicalizer()
	published := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	inc, err := c.Canonicalize(incident.RawCandidate{
		Source: "rekt",
		Ref:    "https://rekt.news/example",
		Payload: &incident.TextPayload{
			Title:     "Example Finance - REKT",
			Body:      "Example Finance on Arbitrum lost $4.2M to a flash loan attack this morning.",
			Published: published,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ChainArbitrum, inc.Chain)
	assert.Equal(t, "Example Finance", inc.Protocol)
	assert.Equal(t, CategoryFlashLoan, inc.Category)
	assert.True(t, inc.AmountUSD.Decimal.Equal(decimal.NewFromInt(4200000)))
	assert.Equal(t, published, inc.OccurredAt)
	assert.Equal(t, "rekt", inc.FieldSources.Amount)
}

func TestLongBodyIsCutOnRuneBoundary(t *testing.T) {
	lead := "Example Finance on Arbitrum lost $4.2M to a flash loan attack. "
	body := lead + strings.Repeat("a", 999-len(lead)) + "’… more \xff text"

	inc, err := newTestCanonicalizer().Canonicalize(incident.RawCandidate{
		Source: "rekt",
		Payload: &incident.TextPayload{
			Title:     "Example Finance - REKT",
			Body:      body,
			Published: time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(inc.Description))
	assert.Len(t, inc.Description, 999)
	assert.True(t, strings.HasPrefix(inc.Description, lead))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hé", truncate("héllo", 3))
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "ok", truncate("o\xffk", 10))
	assert.Equal(t, "short", truncate("short", 10))
}

func TestTextWithoutFigureHasNullAmount(t *testing.T) {
	inc, err := newTestCanonicalizer().Canonicalize(incident.RawCandidate{
		Source: "feed",
		Payload: &incident.TextPayload{
			Title:     "Post-Mortem: Sample Protocol exploit",
			Body:      "Funds on Ethereum were drained through a reentrancy bug.",
			Published: fixedNow.Add(-time.Hour),
		},
	})
	require.NoError(t, err)
	assert.False(t, inc.AmountUSD.Valid)
	assert.Equal(t, "", inc.FieldSources.Amount)
	assert.Equal(t, "Sample Protocol", inc.Protocol)
	assert.Equal(t, CategoryReentrancy, inc.Category)
}

func TestClassifyAndNormalizeCategory(t *testing.T) {
	assert.Equal(t, CategoryOracle, Classify("price oracle was manipulated"))
	assert.Equal(t, CategoryAccessControl, Classify("attacker obtained a private key"))
	assert.Equal(t, "", Classify("nothing to see"))
	assert.Equal(t, CategoryFlashLoan, NormalizeCategory("Flash Loan Attack"))
	assert.Equal(t, "governance-takeover", NormalizeCategory("Governance  Takeover"))
	assert.Equal(t, "", NormalizeCategory("Unknown"))
}

func TestContentHashWithoutTxCoversAmount(t *testing.T) {
	base := incident.Incident{
		Chain:      ChainEthereum,
		Protocol:   "Example",
		OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	withAmount := base
	withAmount.AmountUSD = decimal.NewNullDecimal(decimal.NewFromInt(10))

	assert.NotEqual(t, ContentHash(base), ContentHash(withAmount))
	assert.Len(t, ContentHash(base), 64)

	lower := base
	lower.Protocol = "example"
	assert.Equal(t, ContentHash(base), ContentHash(lower))
}
