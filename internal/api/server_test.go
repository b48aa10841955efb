package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"creditvault/internal/errs"
	"creditvault/internal/protocol"
	"creditvault/internal/protocol/protocoltest"

	"github.com/ethereum/go-ethereum/common"
)

var alice = common.HexToAddress("0xA1")

func newTestServer(t *testing.T) (*protocol.System, *httptest.Server) {
	t.Helper()
	sys := protocoltest.New(t)
	srv := httptest.NewServer(New(sys, nil, 0).Handler())
	t.Cleanup(srv.Close)
	return sys, srv
}

func postCommand(t *testing.T, url string, cmd protocol.Command) *http.Response {
	t.Helper()
	body, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url+"/v1/commands", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestSubmitCommandAndReadPosition(t *testing.T) {
	sys, srv := newTestServer(t)
	protocoltest.Borrow(t, sys, alice, "100", "40")

	resp := postCommand(t, srv.URL, protocol.Command{
		Op: protocol.OpModifyPosition, Caller: alice, Vault: protocoltest.Vault,
		Owner: alice, Creditor: alice, DeltaNormalDebt: "-15",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/v1/vaults/eth-a/positions/" + alice.Hex())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var pos protocol.PositionView
	if err := json.NewDecoder(resp.Body).Decode(&pos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pos.Debt != "25" || pos.Collateral != "100" {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestErrorsCarryKindAndStatus(t *testing.T) {
	_, srv := newTestServer(t)
	cases := []struct {
		cmd    protocol.Command
		status int
		kind   errs.Kind
	}{
		{protocol.Command{Op: protocol.OpDeposit, Caller: alice, Vault: "nope", Amount: "1"}, http.StatusNotFound, errs.KindInput},
		{protocol.Command{Op: protocol.OpSetPrice, Caller: alice, Asset: "ETH", Amount: "1"}, http.StatusForbidden, errs.KindAuthorization},
		{protocol.Command{Op: protocol.OpTransfer, Caller: alice, From: alice, To: protocoltest.Admin, Amount: "5"}, http.StatusUnprocessableEntity, errs.KindCapacity},
	}
	for _, tc := range cases {
		resp := postCommand(t, srv.URL, tc.cmd)
		var body ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != tc.status || body.Kind != string(tc.kind) {
			t.Fatalf("%s: expected %d/%s, got %d/%s (%s)", tc.cmd.Op, tc.status, tc.kind, resp.StatusCode, body.Kind, body.Error)
		}
	}
}

func TestRejectsMalformedRequests(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/v1/commands", "application/json", bytes.NewBufferString(`{"op":"transfer","bogus":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	for _, path := range []string{"/v1/accounts/xyz", "/v1/vaults/eth-a/epochs/minus", "/v1/events?limit=0"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}
	resp, err = http.Get(srv.URL + "/v1/vaults/eth-a/unwinder")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without unwinder, got %d", resp.StatusCode)
	}
}

func TestViews(t *testing.T) {
	sys, srv := newTestServer(t)
	protocoltest.Borrow(t, sys, alice, "100", "40")

	var vaults []protocol.VaultView
	getJSON(t, srv.URL+"/v1/vaults", &vaults)
	if len(vaults) != 1 || vaults[0].TotalDebt != "40" || vaults[0].Price != "2" {
		t.Fatalf("unexpected vaults %+v", vaults)
	}
	var account protocol.AccountView
	getJSON(t, srv.URL+"/v1/accounts/"+alice.Hex(), &account)
	if account.Balance != "40" {
		t.Fatalf("unexpected account %+v", account)
	}
	var ledger protocol.LedgerView
	getJSON(t, srv.URL+"/v1/ledger", &ledger)
	if ledger.GlobalDebt != "40" {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
	var evs []map[string]any
	getJSON(t, srv.URL+"/v1/events?limit=2", &evs)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestStatusFor(t *testing.T) {
	if got := StatusFor(fmt.Errorf("wrapped: %w", protocol.ErrNoUnwinder)); got != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", got)
	}
	if got := StatusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
	if got := StatusFor(errs.New(errs.KindTiming, "later")); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
}
