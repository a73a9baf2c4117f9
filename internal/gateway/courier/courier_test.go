package courier

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

func TestGateway_Operations(t *testing.T) {
	g := New("")
	require.Equal(t, DefaultLabel, g.Label())

	type call func(context.Context, *payment.Payment, bool) (*payment.Payment, error)

	tests := []struct {
		name        string
		call        call
		wantOp      payment.Operation
		wantResult  payment.Status
		wantSettled bool
	}{
		{"authorize", g.Authorize, payment.OpAuth, payment.StatusOK, false},
		{"reverse authorization", g.ReverseAuthorization, payment.OpReverseAuth, payment.StatusOK, false},
		{"capture", g.Capture, payment.OpCapture, payment.StatusOK, true},
		{"authorize capture", g.AuthorizeCapture, payment.OpAuthCapture, payment.StatusManualProcessingRequired, false},
		{"void capture", g.VoidCapture, payment.OpVoidCapture, payment.StatusManualProcessingRequired, false},
		{"refund", g.Refund, payment.OpRefund, payment.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &payment.Payment{
				OrderNumber:            "O-1",
				OrderShipment:          "D-1",
				Amount:                 decimal.RequireFromString("12.50"),
				TransactionReferenceID: "prev-ref",
				BatchSettlement:        true,
			}

			out, err := tt.call(context.Background(), in, false)
			require.NoError(t, err)

			assert.Equal(t, tt.wantOp, out.Operation)
			assert.Equal(t, tt.wantResult, out.Result)
			assert.Equal(t, tt.wantSettled, out.BatchSettlement)
			assert.Equal(t, DefaultLabel, out.GatewayLabel)
			assert.NotEmpty(t, out.TransactionReferenceID)
			assert.NotEqual(t, "prev-ref", out.TransactionReferenceID)
			assert.NotEmpty(t, out.AuthorizationCode)
			assert.Equal(t, "D-1", out.OrderShipment)
			assert.True(t, in.Amount.Equal(out.Amount))

			// Input is not modified.
			assert.Equal(t, "prev-ref", in.TransactionReferenceID)
		})
	}
}

func TestGateway_Features(t *testing.T) {
	f := New("cod").Features()

	assert.True(t, f.Authorize)
	assert.True(t, f.AuthorizeCapture)
	assert.True(t, f.ReverseAuthorization)
	assert.True(t, f.Capture)
	assert.True(t, f.Void)
	assert.True(t, f.Refund)
	assert.False(t, f.AuthorizePerShipment)
	assert.False(t, f.Online)
	assert.False(t, f.CallbackAware)
}

func TestGateway_CreatePaymentPrototype(t *testing.T) {
	g := New("cod")

	p, err := g.CreatePaymentPrototype(context.Background(), payment.OpAuth, map[string]string{
		ParamCardHolderName: "Jane Doe",
		ParamClientIP:       "10.0.0.7",
	})
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", p.CardHolderName)
	assert.Equal(t, "10.0.0.7", p.ShopperIP)

	p, err = g.CreatePaymentPrototype(context.Background(), payment.OpAuth, nil)
	require.NoError(t, err)
	assert.Empty(t, p.CardHolderName)
}
