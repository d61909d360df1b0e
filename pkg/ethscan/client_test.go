package ethscan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBlockNumberParsesHexHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("action"); got != "eth_blockNumber" {
			t.Errorf("unexpected action %q", got)
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x12d687"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	head, err := client.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber returned error: %v", err)
	}
	if head != 0x12d687 {
		t.Fatalf("expected head %d, got %d", 0x12d687, head)
	}
}

func TestTokenTransfersParsesStringFields(t *testing.T) {
	const contract = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"status": "1",
			"message": "OK",
			"result": [
				{
					"hash": "0xabc",
					"from": "0xAAAA000000000000000000000000000000000001",
					"to": "0xBBBB000000000000000000000000000000000002",
					"value": "29990000",
					"blockNumber": "1234567",
					"timeStamp": "1756600000",
					"tokenDecimal": "6",
					"contractAddress": "0xdAC17F958D2ee523a2206206994597C13D831ec7"
				},
				{
					"hash": "0xother",
					"from": "0xAAAA000000000000000000000000000000000001",
					"to": "0xBBBB000000000000000000000000000000000002",
					"value": "1",
					"blockNumber": "1234567",
					"timeStamp": "1756600000",
					"tokenDecimal": "18",
					"contractAddress": "0x0000000000000000000000000000000000000bad"
				}
			]
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	transfers, err := client.TokenTransfers(context.Background(), contract, "0xbbbb000000000000000000000000000000000002", 0)
	if err != nil {
		t.Fatalf("TokenTransfers returned error: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("expected transfers of other contracts filtered out, got %d", len(transfers))
	}

	tr := transfers[0]
	if tr.TxHash != "0xabc" || tr.LogIndex != 0 {
		t.Fatalf("unexpected identity: %+v", tr)
	}
	if tr.ValueUnits != 29990000 || tr.BlockNumber != 1234567 {
		t.Fatalf("unexpected numeric parsing: %+v", tr)
	}
	if tr.Timestamp.Unix() != 1756600000 {
		t.Fatalf("unexpected timestamp: %v", tr.Timestamp)
	}
	if !tr.IsTo("0xBBBB000000000000000000000000000000000002") {
		t.Fatal("IsTo must compare addresses case-insensitively")
	}
}

func TestTokenTransfersNumbersTransfersWithinTransaction(t *testing.T) {
	const contract = "0xdac17f958d2ee523a2206206994597c13d831ec7"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"status": "1",
			"message": "OK",
			"result": [
				{
					"hash": "0xbatch",
					"from": "0xAAAA000000000000000000000000000000000001",
					"to": "0xBBBB000000000000000000000000000000000002",
					"value": "29990000",
					"blockNumber": "1234567",
					"timeStamp": "1756600000",
					"tokenDecimal": "6",
					"contractAddress": "0xdac17f958d2ee523a2206206994597c13d831ec7"
				},
				{
					"hash": "0xbatch",
					"from": "0xCCCC000000000000000000000000000000000003",
					"to": "0xBBBB000000000000000000000000000000000002",
					"value": "2990000",
					"blockNumber": "1234567",
					"timeStamp": "1756600000",
					"tokenDecimal": "6",
					"contractAddress": "0xdac17f958d2ee523a2206206994597c13d831ec7"
				},
				{
					"hash": "0xsolo",
					"from": "0xAAAA000000000000000000000000000000000001",
					"to": "0xBBBB000000000000000000000000000000000002",
					"value": "1000000",
					"blockNumber": "1234568",
					"timeStamp": "1756600012",
					"tokenDecimal": "6",
					"contractAddress": "0xdac17f958d2ee523a2206206994597c13d831ec7"
				}
			]
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	transfers, err := client.TokenTransfers(context.Background(), contract, "0xbbbb000000000000000000000000000000000002", 0)
	if err != nil {
		t.Fatalf("TokenTransfers returned error: %v", err)
	}
	if len(transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(transfers))
	}

	// Two transfers in one transaction must not collapse onto one identity.
	if transfers[0].LogIndex != 0 || transfers[1].LogIndex != 1 {
		t.Fatalf("expected distinct indices within transaction, got %d and %d",
			transfers[0].LogIndex, transfers[1].LogIndex)
	}
	if transfers[2].TxHash != "0xsolo" || transfers[2].LogIndex != 0 {
		t.Fatalf("numbering must restart per transaction: %+v", transfers[2])
	}
}

func TestTokenTransfersEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	transfers, err := client.TokenTransfers(context.Background(), "0xcontract", "0xwallet", 0)
	if err != nil {
		t.Fatalf("an empty history is not an error, got: %v", err)
	}
	if len(transfers) != 0 {
		t.Fatalf("expected no transfers, got %d", len(transfers))
	}
}
