package gateway_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enrollpay/internal/gateway"
	"github.com/noah-isme/enrollpay/internal/network"
)

func TestSandboxDirectCharge(t *testing.T) {
	sb := gateway.NewSandbox("", 3)
	ctx := context.Background()
	res, err := sb.ChargeDirect(ctx, gateway.ChargeRequest{CartID: "c", Phone: "650123456", Amount: 100, Network: network.MTN})
	require.NoError(t, err)
	require.False(t, res.NeedsFallback)
	require.True(t, strings.HasPrefix(res.Reference, "SBX-"))

	var statuses []gateway.Status
	for i := 0; i < 3; i++ {
		st, err := sb.CheckStatus(ctx, res.Reference)
		require.NoError(t, err)
		statuses = append(statuses, st)
	}
	require.Equal(t, []gateway.Status{gateway.StatusInitialized, gateway.StatusWaiting, gateway.StatusComplete}, statuses)
}

func TestSandboxFallbackAndCancel(t *testing.T) {
	sb := gateway.NewSandbox("https://hosted.example/", 2)
	ctx := context.Background()
	res, err := sb.ChargeDirect(ctx, gateway.ChargeRequest{CartID: "c", Phone: "690123456", Amount: 100, Network: network.Orange})
	require.NoError(t, err)
	require.True(t, res.NeedsFallback)
	require.Equal(t, "https://hosted.example/pay/"+res.Reference, res.RedirectURL)

	require.NoError(t, sb.Cancel(ctx, res.Reference))
	st, err := sb.CheckStatus(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, gateway.StatusCanceled, st)

	_, err = sb.CheckStatus(ctx, "nope")
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestSandboxForcedOutcome(t *testing.T) {
	sb := gateway.NewSandbox("", 1)
	sb.SetOutcome("999", gateway.StatusFailed)
	ctx := context.Background()
	res, err := sb.ChargeDirect(ctx, gateway.ChargeRequest{CartID: "c", Phone: "650123999", Amount: 100, Network: network.MTN})
	require.NoError(t, err)
	st, err := sb.CheckStatus(ctx, res.Reference)
	require.NoError(t, err)
	require.Equal(t, gateway.StatusFailed, st)

	_, err = sb.ChargeDirect(ctx, gateway.ChargeRequest{CartID: "c", Amount: 0})
	require.Error(t, err)
}
