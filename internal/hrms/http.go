package hrms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"officeflow/internal/config"
)

// pollPageTimeout bounds each upstream page fetch.
const pollPageTimeout = 30 * time.Second

// getJSON performs one authenticated GET against the upstream and decodes
// the response body. Failures are classified for retry policy.
func getJSON(ctx context.Context, client *http.Client, creds config.HRMSCredentials, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, pollPageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	authorize(req, creds)

	resp, err := client.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		uerr := classifyStatus(resp.StatusCode, fmt.Errorf("%s: %s", url, string(body)))
		if uerr.Kind == ErrRateLimit {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					uerr.RetryAfter = time.Duration(secs) * time.Second
				}
			}
		}
		return uerr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}

func authorize(req *http.Request, creds config.HRMSCredentials) {
	switch {
	case creds.APIKey != "":
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	case creds.Username != "":
		req.SetBasicAuth(creds.Username, creds.Password)
	}
}
