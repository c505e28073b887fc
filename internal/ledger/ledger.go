package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"swainos-analytics/internal/timeseries"
)

// ErrDataUnavailable indicates the record store could not serve the window.
// Callers may retry; the reader itself never does.
var ErrDataUnavailable = errors.New("ledger: raw records unavailable")

// RecordType discriminates the raw fact kinds held by the record store.
type RecordType string

const (
	RecordTransaction    RecordType = "transaction"
	RecordBooking        RecordType = "booking"
	RecordItineraryEvent RecordType = "itinerary_event"
	RecordFXQuote        RecordType = "fx_quote"
)

// Transaction categories as written by ingestion.
const (
	CategoryCustomerPayment = "customer_payment"
	CategoryDeposit         = "deposit"
	CategorySupplierInvoice = "supplier_invoice"
)

// RawRecord is an immutable fact owned by the record store. The core only
// reads these.
type RawRecord struct {
	ID         string
	Type       RecordType
	Category   string
	OccurredAt time.Time
	Amount     decimal.Decimal
	Currency   string
	Agency     string
	Consultant string
	Channel    string
}

// DimensionFilter narrows a fetch to a subset of tag values. Empty slices
// match everything.
type DimensionFilter struct {
	Agencies    []string
	Consultants []string
	Channels    []string
	Currencies  []string
}

// Match reports whether a record passes every configured dimension.
func (f DimensionFilter) Match(r RawRecord) bool {
	return matchTag(f.Agencies, r.Agency) &&
		matchTag(f.Consultants, r.Consultant) &&
		matchTag(f.Channels, r.Channel) &&
		matchTag(f.Currencies, r.Currency)
}

// Empty reports whether the filter matches all records.
func (f DimensionFilter) Empty() bool {
	return len(f.Agencies) == 0 && len(f.Consultants) == 0 && len(f.Channels) == 0 && len(f.Currencies) == 0
}

func matchTag(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if candidate == value {
			return true
		}
	}
	return false
}

// Reader fetches raw records for a window. Implementations wrap storage
// failures in ErrDataUnavailable.
type Reader interface {
	FetchRecords(ctx context.Context, recordType RecordType, window timeseries.Window, filter DimensionFilter) ([]RawRecord, error)
}
