package payment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/storage/memory"
)

type entry struct {
	shipment string
	op       payment.Operation
	result   payment.Status
	amount   string
	settled  bool
}

func seed(t *testing.T, entries ...entry) *memory.Ledger {
	t.Helper()
	l := memory.NewLedger()
	for _, e := range entries {
		require.NoError(t, l.Append(context.Background(), &payment.Record{
			OrderNumber:     "O-1",
			OrderShipment:   e.shipment,
			Operation:       e.op,
			Result:          e.result,
			Amount:          d(e.amount),
			BatchSettlement: e.settled,
		}))
	}
	return l
}

func amountsOf(records []payment.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.OrderShipment+":"+r.Amount.StringFixed(2))
	}
	return out
}

func TestReconciler_OpenAuthorizations(t *testing.T) {
	tests := []struct {
		name     string
		entries  []entry
		shipment string
		want     []string
	}{
		{
			name: "nothing captured",
			entries: []entry{
				{"D-1", payment.OpAuth, payment.StatusOK, "10", false},
				{"D-2", payment.OpAuth, payment.StatusOK, "20", false},
			},
			want: []string{"D-1:10.00", "D-2:20.00"},
		},
		{
			name: "failed authorization is not open",
			entries: []entry{
				{"D-1", payment.OpAuth, payment.StatusFailed, "10", false},
			},
			want: []string{},
		},
		{
			name: "captured and reversed are closed",
			entries: []entry{
				{"D-1", payment.OpAuth, payment.StatusOK, "10", false},
				{"D-2", payment.OpAuth, payment.StatusOK, "20", false},
				{"D-3", payment.OpAuth, payment.StatusOK, "30", false},
				{"D-1", payment.OpCapture, payment.StatusOK, "10", true},
				{"D-2", payment.OpReverseAuth, payment.StatusOK, "20", false},
			},
			want: []string{"D-3:30.00"},
		},
		{
			name: "processing capture closes the authorization",
			entries: []entry{
				{"D-1", payment.OpAuth, payment.StatusOK, "10", false},
				{"D-1", payment.OpCapture, payment.StatusProcessing, "10", false},
			},
			want: []string{},
		},
		{
			name: "failed capture leaves it open",
			entries: []entry{
				{"D-1", payment.OpAuth, payment.StatusOK, "10", false},
				{"D-1", payment.OpCapture, payment.StatusFailed, "10", false},
			},
			want: []string{"D-1:10.00"},
		},
		{
			name: "capture of a different amount does not match",
			entries: []entry{
				{"D-1", payment.OpAuth, payment.StatusOK, "10", false},
				{"D-1", payment.OpCapture, payment.StatusOK, "12", true},
			},
			want: []string{"D-1:10.00"},
		},
		{
			name: "shipment scope",
			entries: []entry{
				{"D-1", payment.OpAuth, payment.StatusOK, "10", false},
				{"D-2", payment.OpAuth, payment.StatusOK, "20", false},
			},
			shipment: "D-2",
			want:     []string{"D-2:20.00"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := payment.NewReconciler(seed(t, tt.entries...))

			got, err := r.OpenAuthorizations(context.Background(), "O-1", tt.shipment)
			require.NoError(t, err)
			assert.Equal(t, tt.want, amountsOf(got))

			again, err := r.OpenAuthorizations(context.Background(), "O-1", tt.shipment)
			require.NoError(t, err)
			assert.Equal(t, got, again, "reads must be idempotent")
		})
	}
}

func TestReconciler_OpenCaptures(t *testing.T) {
	tests := []struct {
		name     string
		entries  []entry
		shipment string
		want     []string
	}{
		{
			name: "captures and auth captures",
			entries: []entry{
				{"D-1", payment.OpCapture, payment.StatusOK, "10", true},
				{"D-2", payment.OpAuthCapture, payment.StatusOK, "20", true},
				{"D-3", payment.OpAuth, payment.StatusOK, "30", false},
			},
			want: []string{"D-1:10.00", "D-2:20.00"},
		},
		{
			name: "refunded and voided are closed",
			entries: []entry{
				{"D-1", payment.OpCapture, payment.StatusOK, "10", true},
				{"D-2", payment.OpCapture, payment.StatusOK, "20", false},
				{"D-1", payment.OpRefund, payment.StatusOK, "10", false},
				{"D-2", payment.OpVoidCapture, payment.StatusOK, "20", false},
			},
			want: []string{},
		},
		{
			name: "identical captures need one refund each",
			entries: []entry{
				{"D-1", payment.OpCapture, payment.StatusOK, "10", true},
				{"D-1", payment.OpCapture, payment.StatusOK, "10", true},
				{"D-1", payment.OpRefund, payment.StatusOK, "10", false},
			},
			want: []string{"D-1:10.00"},
		},
		{
			name: "partial refund keeps the capture open",
			entries: []entry{
				{"D-1", payment.OpCapture, payment.StatusOK, "100", true},
				{"D-1", payment.OpRefund, payment.StatusOK, "30", false},
			},
			want: []string{"D-1:100.00"},
		},
		{
			name: "failed refund keeps the capture open",
			entries: []entry{
				{"D-1", payment.OpCapture, payment.StatusOK, "10", true},
				{"D-1", payment.OpRefund, payment.StatusFailed, "10", false},
			},
			want: []string{"D-1:10.00"},
		},
		{
			name: "processing capture is open",
			entries: []entry{
				{"D-1", payment.OpCapture, payment.StatusProcessing, "10", false},
			},
			want: []string{"D-1:10.00"},
		},
		{
			name: "processing capture later failed is dropped",
			entries: []entry{
				{"D-1", payment.OpCapture, payment.StatusProcessing, "10", false},
				{"D-1", payment.OpCapture, payment.StatusManualProcessingRequired, "10", false},
			},
			want: []string{},
		},
		{
			name: "processing capture later confirmed counts once",
			entries: []entry{
				{"D-1", payment.OpAuthCapture, payment.StatusProcessing, "10", false},
				{"D-1", payment.OpAuthCapture, payment.StatusOK, "10", true},
			},
			want: []string{"D-1:10.00"},
		},
		{
			name: "shipment scope",
			entries: []entry{
				{"D-1", payment.OpCapture, payment.StatusOK, "10", true},
				{"D-2", payment.OpCapture, payment.StatusOK, "20", true},
			},
			shipment: "D-1",
			want:     []string{"D-1:10.00"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := payment.NewReconciler(seed(t, tt.entries...))

			got, err := r.OpenCaptures(context.Background(), "O-1", tt.shipment)
			require.NoError(t, err)
			assert.Equal(t, tt.want, amountsOf(got))

			again, err := r.OpenCaptures(context.Background(), "O-1", tt.shipment)
			require.NoError(t, err)
			assert.Equal(t, got, again, "reads must be idempotent")
		})
	}
}
