package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"estatechain/internal/hmacauth"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/urfave/cli/v2"
)

type apiClient struct {
	base   string
	secret string
	http   *retryablehttp.Client
}

func newClient(c *cli.Context) *apiClient {
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = c.Int("retries")
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &apiClient{
		base:   strings.TrimSuffix(c.String("api"), "/"),
		secret: c.String("secret"),
		http:   httpClient,
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	var body struct {
		Error string `json:"error"`
		Step  string `json:"step"`
	}
	if json.Unmarshal([]byte(e.Body), &body) == nil && body.Error != "" {
		if body.Step != "" {
			return fmt.Sprintf("%d %s: %s (step %s)", e.Status, http.StatusText(e.Status), body.Error, body.Step)
		}
		return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), body.Error)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), strings.TrimSpace(e.Body))
}

// do sends the request and returns the body of a 2xx response. Signed
// requests carry the HMAC headers; the idempotency key makes retries safe.
func (a *apiClient) do(method, path string, body interface{}, signed bool, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, a.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if signed && a.secret != "" {
		if err := hmacauth.Sign(req, a.secret, time.Now()); err != nil {
			return nil, err
		}
	}

	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(rreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(out)}
	}
	return out, nil
}

func printJSON(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func showSession(c *cli.Context) error {
	out, err := newClient(c).do(http.MethodGet, "/api/v1/session", nil, false, nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func listAccounts(c *cli.Context) error {
	out, err := newClient(c).do(http.MethodGet, "/api/v1/accounts", nil, false, nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func useAccount(c *cli.Context) error {
	account := c.Args().First()
	if account == "" {
		return cli.Exit("usage: estatectl use <account>", 2)
	}
	out, err := newClient(c).do(http.MethodPut, "/api/v1/session/account", map[string]string{"account": account}, true, nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func listAssets(c *cli.Context) error {
	out, err := newClient(c).do(http.MethodGet, "/api/v1/assets", nil, false, nil)
	if err != nil {
		return err
	}
	var assets []struct {
		ID       string `json:"id"`
		URI      string `json:"uri"`
		Metadata *struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"metadata"`
		MetadataError string `json:"metadataError"`
	}
	if err := json.Unmarshal(out, &assets); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tURI")
	for _, a := range assets {
		name, addr := "-", "-"
		if a.Metadata != nil {
			name, addr = a.Metadata.Name, a.Metadata.Address
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, name, addr, a.URI)
	}
	return tw.Flush()
}

func showStatus(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("usage: estatectl status <asset id>", 2)
	}
	path := "/api/v1/assets/" + url.PathEscape(id)
	if acct := c.String("account"); acct != "" {
		path += "?account=" + url.QueryEscape(acct)
	}
	out, err := newClient(c).do(http.MethodGet, path, nil, false, nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func act(c *cli.Context) error {
	id, action := c.Args().Get(0), c.Args().Get(1)
	if id == "" || action == "" {
		return cli.Exit("usage: estatectl act <asset id> <action>", 2)
	}
	key := c.String("key")
	if key == "" {
		key = uuid.NewString()
	}
	path := fmt.Sprintf("/api/v1/assets/%s/actions/%s", url.PathEscape(id), url.PathEscape(action))
	client := newClient(c)
	// only connection failures are retried; a 5xx may follow submitted transactions
	client.http.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		return false, nil
	}
	out, err := client.do(http.MethodPost, path, nil, true, map[string]string{"X-Idempotency-Key": key})
	if err != nil {
		return fmt.Errorf("%s (idempotency key %s)", err, key)
	}
	return printJSON(out)
}
