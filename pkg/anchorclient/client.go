/**
 * @description
 * This package provides a client for interacting with the Anchor BaaS API.
 * It encapsulates the logic for making authenticated HTTP requests to Anchor's
 * endpoints, handling request body construction, and parsing responses.
 *
 * @notes
 * - Every transfer carries the caller's idempotency key both as the `Idempotency-Key`
 *   header and as the transfer `reference`, so a transfer can be looked up by key after
 *   a timeout.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package anchorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Client is a client for the Anchor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Anchor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type relationship struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

// BookTransferRequest represents the payload for an Anchor Book Transfer.
type BookTransferRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Currency  string `json:"currency"`
			Amount    int64  `json:"amount"`
			Reason    string `json:"reason"`
			Reference string `json:"reference"`
		} `json:"attributes"`
		Relationships struct {
			Account            relationship `json:"account"`
			DestinationAccount relationship `json:"destinationAccount"`
		} `json:"relationships"`
	} `json:"data"`
}

// TransferParams describes a book transfer between two deposit accounts.
type TransferParams struct {
	SourceAccountID      string
	DestinationAccountID string
	Amount               int64
	Currency             string
	Reason               string
	IdempotencyKey       string
}

// Transfer is the resource returned by Anchor's transfer endpoints.
type Transfer struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Reason    string `json:"reason"`
		Fee       int64  `json:"fee"`
	} `json:"attributes"`
}

// TransferResponse is the expected response from Anchor's transfer endpoints.
type TransferResponse struct {
	Data Transfer `json:"data"`
}

// TransferListResponse is returned when listing transfers.
type TransferListResponse struct {
	Data []Transfer `json:"data"`
}

// Account is an Anchor deposit account.
type Account struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Status       string   `json:"status"`
		Frozen       bool     `json:"frozen"`
		Requirements []string `json:"requirements"`
	} `json:"attributes"`
}

// AccountResponse wraps a single account.
type AccountResponse struct {
	Data Account `json:"data"`
}

// ErrorResponse represents an error from the Anchor API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("anchor api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("unknown anchor api error (status %d)", e.StatusCode)
}

// Title returns the first error title, if any.
func (e *ErrorResponse) Title() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[0].Title
}

// InitiateBookTransfer sends a request to Anchor to perform a book transfer.
func (c *Client) InitiateBookTransfer(ctx context.Context, params TransferParams) (*TransferResponse, error) {
	reqPayload := BookTransferRequest{}
	reqPayload.Data.Type = "BookTransfer"
	reqPayload.Data.Attributes.Currency = params.Currency
	reqPayload.Data.Attributes.Amount = params.Amount
	reqPayload.Data.Attributes.Reason = params.Reason
	reqPayload.Data.Attributes.Reference = params.IdempotencyKey
	reqPayload.Data.Relationships.Account.Data.Type = "DepositAccount"
	reqPayload.Data.Relationships.Account.Data.ID = params.SourceAccountID
	reqPayload.Data.Relationships.DestinationAccount.Data.Type = "DepositAccount"
	reqPayload.Data.Relationships.DestinationAccount.Data.ID = params.DestinationAccountID

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	var resp TransferResponse
	headers := map[string]string{"Idempotency-Key": params.IdempotencyKey}
	if err := c.do(ctx, "transfer", http.MethodPost, "/api/v1/transfers", bytes.NewReader(body), headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FindTransferByReference returns the transfer created with the given reference, or nil
// when Anchor has no such transfer.
func (c *Client) FindTransferByReference(ctx context.Context, reference string) (*Transfer, error) {
	path := "/api/v1/transfers?reference=" + url.QueryEscape(reference)

	var resp TransferListResponse
	if err := c.do(ctx, "find_transfer", http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Data {
		if resp.Data[i].Attributes.Reference == reference {
			return &resp.Data[i], nil
		}
	}
	return nil, nil
}

// GetAccount fetches a deposit account, including its status.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var resp AccountResponse
	if err := c.do(ctx, "get_account", http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-anchor-key", c.APIKey)
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=anchor_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return &errResp
		}
		errResp.StatusCode = resp.StatusCode
		log.Printf("level=warn component=anchor_client op=%s status=%d title=%q", op, resp.StatusCode, errResp.Title())
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
