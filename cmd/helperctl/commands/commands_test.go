package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lendhelper/config"
	"lendhelper/crypto"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

func fakeHelperd(t *testing.T, status int, response string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var seen []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured := capturedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			if err := json.Unmarshal(data, &captured.body); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		seen = append(seen, captured)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestMintPostsCall(t *testing.T) {
	srv, seen := fakeHelperd(t, http.StatusOK, `{"receipt":"r-1","phase":"settled"}`)
	out, err := run(t, "--endpoint", srv.URL, "--token", "tok", "mint", "lhmkt1abc", "100", "--idempotency-key", "k-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(*seen) != 1 {
		t.Fatalf("expected one request, got %d", len(*seen))
	}
	req := (*seen)[0]
	if req.method != http.MethodPost || req.path != "/v1/mint" {
		t.Fatalf("unexpected request %s %s", req.method, req.path)
	}
	if got := req.header.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("unexpected authorization %q", got)
	}
	if got := req.header.Get("Idempotency-Key"); got != "k-1" {
		t.Fatalf("unexpected idempotency key %q", got)
	}
	if req.body["market"] != "lhmkt1abc" || req.body["amount"] != "100" {
		t.Fatalf("unexpected body %v", req.body)
	}
	if !strings.Contains(out, `"receipt": "r-1"`) {
		t.Fatalf("expected receipt in output, got %q", out)
	}
}

func TestRepayRedeemSendsTaggedRedemption(t *testing.T) {
	srv, seen := fakeHelperd(t, http.StatusOK, `{}`)
	if _, err := run(t, "--endpoint", srv.URL, "repay-redeem", "debt", "5", "coll", "7", "--mode", "underlying"); err != nil {
		t.Fatalf("repay-redeem: %v", err)
	}
	redeem, ok := (*seen)[0].body["redeem"].(map[string]any)
	if !ok || redeem["mode"] != "underlying" || redeem["amount"] != "7" {
		t.Fatalf("unexpected redeem %v", (*seen)[0].body["redeem"])
	}

	if _, err := run(t, "--endpoint", srv.URL, "repay-redeem", "debt", "5", "coll", "7", "--mode", "both"); err == nil {
		t.Fatalf("expected mode error")
	}
	if len(*seen) != 1 {
		t.Fatalf("invalid mode must not reach the server")
	}
}

func TestAPIErrorCarriesKind(t *testing.T) {
	srv, _ := fakeHelperd(t, http.StatusUnprocessableEntity,
		`{"error":{"kind":"BorrowFailed","message":"insufficient liquidity","step":"borrow"},"receipt":"r-9","phase":"reverted"}`)
	_, err := run(t, "--endpoint", srv.URL, "mint-borrow", "a", "1", "b", "2")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Kind != "BorrowFailed" || apiErr.Step != "borrow" || apiErr.Receipt != "r-9" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if want := "helperd 422 BorrowFailed (borrow): insufficient liquidity [receipt r-9]"; apiErr.Error() != want {
		t.Fatalf("Error() = %q, want %q", apiErr.Error(), want)
	}
}

func TestAPIErrorWithoutEnvelope(t *testing.T) {
	srv, _ := fakeHelperd(t, http.StatusBadGateway, "upstream down")
	_, err := run(t, "--endpoint", srv.URL, "markets")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != "Bad Gateway" || apiErr.Message != "upstream down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBalancesTable(t *testing.T) {
	srv, seen := fakeHelperd(t, http.StatusOK, `{
		"account":"lh1x",
		"assets":[{"asset":"a","symbol":"TK1","balance":"1234500000000000000000","helperAllowance":"0"}],
		"markets":[{"market":"m","symbol":"LHTK1","shares":"100000000000000000000","borrow":"0"}],
		"liquidity":{"collateral":"1","debt":"0","excess":"1","shortfall":"0"}}`)
	out, err := run(t, "--endpoint", srv.URL, "balances", "lh1x", "--decimals", "18", "--asset", "a")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if (*seen)[0].path != "/v1/accounts/lh1x/balances" || (*seen)[0].query != "asset=a" {
		t.Fatalf("unexpected request %+v", (*seen)[0])
	}
	for _, want := range []string{"TK1", "1,234.5", "LHTK1", "100", "0.000000000000000001"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestReceiptsQuery(t *testing.T) {
	srv, seen := fakeHelperd(t, http.StatusOK, `{"receipts":[]}`)
	if _, err := run(t, "--endpoint", srv.URL, "receipts", "--status", "reverted", "--limit", "5"); err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if got := (*seen)[0].query; got != "limit=5&status=reverted" {
		t.Fatalf("unexpected query %q", got)
	}
}

func TestAdminRoutes(t *testing.T) {
	srv, seen := fakeHelperd(t, http.StatusOK, `{}`)
	if _, err := run(t, "--endpoint", srv.URL, "admin", "list", "lhmkt1abc", "--collateral-factor-bps", "7500"); err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if _, err := run(t, "--endpoint", srv.URL, "admin", "pause", "helper"); err != nil {
		t.Fatalf("admin pause: %v", err)
	}
	if (*seen)[0].path != "/v1/admin/markets/lhmkt1abc/list" || (*seen)[0].body["collateralFactorBps"] != float64(7500) {
		t.Fatalf("unexpected list request %+v", (*seen)[0])
	}
	if (*seen)[1].path != "/v1/admin/modules/helper/pause" {
		t.Fatalf("unexpected pause path %s", (*seen)[1].path)
	}
}

func TestMarketParameterCommands(t *testing.T) {
	srv, seen := fakeHelperd(t, http.StatusOK, `{}`)
	if _, err := run(t, "--endpoint", srv.URL, "admin", "exchange-rate", "lhmkt1abc", "50"); err != nil {
		t.Fatalf("exchange-rate: %v", err)
	}
	if _, err := run(t, "--endpoint", srv.URL, "admin", "collateral-factor", "lhmkt1abc", "2500"); err != nil {
		t.Fatalf("collateral-factor: %v", err)
	}
	if _, err := run(t, "--endpoint", srv.URL, "admin", "collateral-factor", "lhmkt1abc", "lots"); err == nil {
		t.Fatalf("expected invalid collateral factor to be rejected")
	}
	if _, err := run(t, "--endpoint", srv.URL, "transfer", "lhmkt1abc", "lh1bob", "7"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(*seen) != 3 {
		t.Fatalf("expected three requests, got %d", len(*seen))
	}
	if req := (*seen)[0]; req.path != "/v1/admin/markets/lhmkt1abc/exchange-rate" || req.body["rate"] != "50" {
		t.Fatalf("unexpected exchange-rate request %+v", req)
	}
	if req := (*seen)[1]; req.path != "/v1/admin/markets/lhmkt1abc/collateral-factor" || req.body["collateralFactorBps"] != float64(2500) {
		t.Fatalf("unexpected collateral-factor request %+v", req)
	}
	if req := (*seen)[2]; req.path != "/v1/markets/lhmkt1abc/transfer" || req.body["to"] != "lh1bob" || req.body["shares"] != "7" {
		t.Fatalf("unexpected transfer request %+v", req)
	}
}

func TestTokenCommand(t *testing.T) {
	sub := crypto.DeriveAddress(crypto.AccountPrefix, "alice").String()
	t.Setenv(config.EnvAuthSecret, strings.Repeat("s", config.MinAuthSecretBytes))
	out, err := run(t, "token", "--sub", sub, "--scope", "admin")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Fatalf("expected a JWT, got %q", out)
	}

	t.Setenv(config.EnvAuthSecret, "short")
	if _, err := run(t, "token", "--sub", sub); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	if _, err := run(t, "token", "--sub", "alice"); err == nil {
		t.Fatalf("expected invalid subject to be rejected")
	}
}

func TestStreamURL(t *testing.T) {
	cases := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{endpoint: "http://127.0.0.1:8480", want: "ws://127.0.0.1:8480/v1/receipts/stream?operation=mint"},
		{endpoint: "https://helper.example/api/", want: "wss://helper.example/api/v1/receipts/stream?operation=mint"},
		{endpoint: "ftp://x", wantErr: true},
	}
	for _, tc := range cases {
		got, err := streamURL(tc.endpoint, "", "mint")
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.endpoint)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.endpoint, err)
		}
		if got != tc.want {
			t.Fatalf("streamURL(%s) = %s, want %s", tc.endpoint, got, tc.want)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	cases := map[string]struct {
		raw      string
		decimals int
		want     string
	}{
		"raw":      {raw: "1234567", decimals: 0, want: "1,234,567"},
		"whole":    {raw: "2000000000000000000", decimals: 18, want: "2"},
		"fraction": {raw: "1500000000000000000", decimals: 18, want: "1.5"},
		"tiny":     {raw: "1", decimals: 18, want: "0.000000000000000001"},
		"negative": {raw: "-250", decimals: 2, want: "-2.5"},
		"invalid":  {raw: "abc", decimals: 18, want: "abc"},
		"huge":     {raw: "123456789012345678901234567890", decimals: 0, want: "123456789012345678901234567890"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := formatUnits(tc.raw, tc.decimals); got != tc.want {
				t.Fatalf("formatUnits(%s, %d) = %s, want %s", tc.raw, tc.decimals, got, tc.want)
			}
		})
	}
}
