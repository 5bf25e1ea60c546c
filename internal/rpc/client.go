// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Client calls methods of a remote Server.
type Client struct {
	url    string
	http   *http.Client
	lastID uint64
}

// NewClient returns a client of the server listening on addr, which is
// either host:port or a full URL.
func NewClient(addr string, timeout time.Duration) *Client {
	url := addr
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}

	return &Client{
		url:  strings.TrimSuffix(url, "/") + "/",
		http: &http.Client{Timeout: timeout},
	}
}

// Call invokes method with params and decodes the result into result, which
// may be nil. A failed call returns *Error.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	req := struct {
		Version string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
		ID      uint64      `json:"id"`
	}{
		Version: Version,
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&c.lastID, 1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "calling %s", method)
	}
	defer httpResp.Body.Close()

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return errors.Wrapf(err, "decoding response of %s (HTTP %d)", method, httpResp.StatusCode)
	}

	if resp.Error != nil {
		return resp.Error
	}

	if result == nil || len(resp.Result) == 0 {
		return nil
	}

	return errors.Wrapf(json.Unmarshal(resp.Result, result), "decoding result of %s", method)
}
