/**
 * @description
 * This package provides a client for Etherscan-compatible block explorer APIs.
 * It encapsulates the logic for fetching the current chain head and the ERC-20
 * token transfer history of an address, and for parsing the explorer's
 * string-typed JSON fields into usable numeric values.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, net/url, strconv, strings, time: Standard Go libraries.
 */
package ethscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a client for an Etherscan-compatible API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new explorer API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TokenTransfer is a single ERC-20 transfer parsed from the explorer feed.
// LogIndex is the transfer's ordinal within its transaction, not the
// transaction's position in the block; a transaction moving the token twice
// yields two transfers with distinct indices.
type TokenTransfer struct {
	TxHash      string
	LogIndex    int
	From        string
	To          string
	ValueUnits  int64
	BlockNumber int64
	Timestamp   time.Time
}

// IsTo reports whether the transfer pays the given address. Addresses are
// compared case-insensitively because explorers mix checksum casing.
func (t TokenTransfer) IsTo(address string) bool {
	return strings.EqualFold(t.To, address)
}

// rawTransfer mirrors the explorer's tokentx rows, where every field is a string.
type rawTransfer struct {
	TxHash          string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	TokenDecimal    string `json:"tokenDecimal"`
	ContractAddress string `json:"contractAddress"`
}

type tokenTxResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Result  []rawTransfer `json:"result"`
}

type proxyResponse struct {
	Result string `json:"result"`
}

// BlockNumber fetches the current chain head via the proxy eth_blockNumber call.
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	params := url.Values{}
	params.Set("module", "proxy")
	params.Set("action", "eth_blockNumber")

	body, err := c.get(ctx, params)
	if err != nil {
		return 0, err
	}

	var resp proxyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode block number response: %w", err)
	}

	head, err := strconv.ParseInt(strings.TrimPrefix(resp.Result, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block number %q: %w", resp.Result, err)
	}
	return head, nil
}

// TokenTransfers fetches ERC-20 transfers of the given token contract touching
// the given address, starting at startBlock. Transfers of other contracts are
// filtered out defensively even though the API already scopes the query.
func (c *Client) TokenTransfers(ctx context.Context, contract, address string, startBlock int64) ([]TokenTransfer, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "tokentx")
	params.Set("contractaddress", contract)
	params.Set("address", address)
	params.Set("startblock", strconv.FormatInt(startBlock, 10))
	params.Set("endblock", "latest")
	params.Set("sort", "asc")

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp tokenTxResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode token transfer response: %w", err)
	}
	// The API reports "no transactions found" as status 0 with an empty result.
	if resp.Status != "1" && len(resp.Result) > 0 {
		return nil, fmt.Errorf("explorer api error: %s", resp.Message)
	}

	// The feed does not expose log indices, so transfers are numbered by
	// their ordinal within their transaction. Scans always cover whole
	// blocks in ascending order, which keeps the numbering stable across
	// re-fetches.
	transfers := make([]TokenTransfer, 0, len(resp.Result))
	ordinals := make(map[string]int)
	for _, raw := range resp.Result {
		if !strings.EqualFold(raw.ContractAddress, contract) {
			continue
		}
		ordinal := ordinals[raw.TxHash]
		ordinals[raw.TxHash]++
		t, err := parseTransfer(raw, ordinal)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transfer %s: %w", raw.TxHash, err)
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

func parseTransfer(raw rawTransfer, logIndex int) (TokenTransfer, error) {
	block, err := strconv.ParseInt(raw.BlockNumber, 10, 64)
	if err != nil {
		return TokenTransfer{}, fmt.Errorf("bad block number %q: %w", raw.BlockNumber, err)
	}
	unix, err := strconv.ParseInt(raw.TimeStamp, 10, 64)
	if err != nil {
		return TokenTransfer{}, fmt.Errorf("bad timestamp %q: %w", raw.TimeStamp, err)
	}
	value, err := strconv.ParseInt(raw.Value, 10, 64)
	if err != nil {
		return TokenTransfer{}, fmt.Errorf("bad value %q: %w", raw.Value, err)
	}

	return TokenTransfer{
		TxHash:      raw.TxHash,
		LogIndex:    logIndex,
		From:        strings.ToLower(raw.From),
		To:          strings.ToLower(raw.To),
		ValueUnits:  value,
		BlockNumber: block,
		Timestamp:   time.Unix(unix, 0).UTC(),
	}, nil
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	if c.APIKey != "" {
		params.Set("apikey", c.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create explorer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute explorer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read explorer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("explorer returned status %d", resp.StatusCode)
	}
	return body, nil
}
