package app

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"swainos-analytics/internal/ledger"
)

const ingestFixture = `id,type,category,occurred_at,amount,currency,agency,consultant,channel
t-1,transaction,customer_payment,2026-06-03T10:00:00Z,700.50,AUD,sydney,jane,direct
b-1,booking,,2026-06-07T09:30:00Z,5000,AUD,sydney,,trade
`

func TestParseLedgerCSV(t *testing.T) {
	records, err := parseLedgerCSV(strings.NewReader(ingestFixture))
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	require.Equal(t, "t-1", first.ID)
	require.Equal(t, ledger.RecordTransaction, first.Type)
	require.Equal(t, ledger.CategoryCustomerPayment, first.Category)
	require.Equal(t, time.Date(2026, 6, 3, 10, 0, 0, 0, time.UTC), first.OccurredAt)
	require.True(t, first.Amount.Equal(decimal.NewFromFloat(700.50)))
	require.Equal(t, "sydney", first.Agency)
	require.Equal(t, "jane", first.Consultant)

	require.Equal(t, ledger.RecordBooking, records[1].Type)
	require.Equal(t, "trade", records[1].Channel)
}

func TestParseLedgerCSVRejectsBadRows(t *testing.T) {
	badType := `id,type,category,occurred_at,amount,currency,agency,consultant,channel
x-1,refund,,2026-06-03T10:00:00Z,10,AUD,,,
`
	_, err := parseLedgerCSV(strings.NewReader(badType))
	require.ErrorContains(t, err, "unknown record type")

	badAmount := `id,type,category,occurred_at,amount,currency,agency,consultant,channel
x-1,transaction,deposit,2026-06-03T10:00:00Z,ten,AUD,,,
`
	_, err = parseLedgerCSV(strings.NewReader(badAmount))
	require.ErrorContains(t, err, "parse amount")

	badHeader := `identifier,type,category,occurred_at,amount,currency,agency,consultant,channel
x-1,transaction,deposit,2026-06-03T10:00:00Z,10,AUD,,,
`
	_, err = parseLedgerCSV(strings.NewReader(badHeader))
	require.ErrorContains(t, err, "unexpected header")
}
