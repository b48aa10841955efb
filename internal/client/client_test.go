package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"creditvault/internal/api"
	"creditvault/internal/errs"
	"creditvault/internal/protocol"
	"creditvault/internal/protocol/protocoltest"

	"github.com/ethereum/go-ethereum/common"
)

var bob = common.HexToAddress("0xB1")

func newClient(t *testing.T) (*protocol.System, *Client) {
	t.Helper()
	sys := protocoltest.New(t)
	srv := httptest.NewServer(api.New(sys, nil, time.Second).Handler())
	t.Cleanup(srv.Close)
	return sys, New(srv.URL+"/", time.Second, nil)
}

func TestSubmitAndRead(t *testing.T) {
	sys, c := newClient(t)
	ctx := context.Background()
	protocoltest.Borrow(t, sys, bob, "50", "20")

	res, err := c.Submit(ctx, protocol.Command{Op: protocol.OpCreateLimitOrder, Caller: bob, Vault: protocoltest.Vault, Owner: bob, Tick: 10_500})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Time != protocoltest.Genesis {
		t.Fatalf("unexpected result time %d", res.Time)
	}
	depth, err := c.Depth(ctx, protocoltest.Vault)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if len(depth) != 1 || depth[0].Tick != 10_500 || depth[0].Owners[0] != bob.Hex() {
		t.Fatalf("unexpected depth %+v", depth)
	}
	pos, err := c.Position(ctx, protocoltest.Vault, bob)
	if err != nil || pos.OrderTick != 10_500 {
		t.Fatalf("unexpected position %+v %v", pos, err)
	}
	v, err := c.Vault(ctx, protocoltest.Vault)
	if err != nil || v.Orders != 1 {
		t.Fatalf("unexpected vault %+v %v", v, err)
	}
	ep, err := c.Epoch(ctx, protocoltest.Vault, 0)
	if err != nil || ep.Fixed {
		t.Fatalf("unexpected epoch %+v %v", ep, err)
	}
	evs, err := c.Events(ctx, 1)
	if err != nil || len(evs) != 1 {
		t.Fatalf("unexpected events %v %v", evs, err)
	}
}

func TestErrorCarriesKind(t *testing.T) {
	_, c := newClient(t)
	_, err := c.Submit(context.Background(), protocol.Command{Op: protocol.OpFixClaims, Caller: bob, Vault: "missing"})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Kind != errs.KindInput {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if _, err := c.Unwinder(context.Background(), protocoltest.Vault); err == nil {
		t.Fatalf("expected missing unwinder error")
	}
}
