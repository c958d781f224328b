package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPSender uploads batches to the mutation endpoint of one workspace.
type HTTPSender struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPSender targets {baseURL}/v1/workspaces/{workspaceID}/mutations. A nil client gets a
// 30 second timeout.
func NewHTTPSender(baseURL, workspaceID, token string, httpClient *http.Client) *HTTPSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPSender{
		endpoint:   baseURL + "/v1/workspaces/" + url.PathEscape(workspaceID) + "/mutations",
		token:      token,
		httpClient: httpClient,
	}
}

// Send posts the batch. Any non-200 answer is an error so the batch stays queued.
func (s *HTTPSender) Send(ctx context.Context, batch []mutations.Mutation) (mutations.SyncResponse, error) {
	body, err := json.Marshal(mutations.SyncRequest{Mutations: batch})
	if err != nil {
		return mutations.SyncResponse{}, fmt.Errorf("failed to marshal request body: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return mutations.SyncResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+s.token)

	response, err := s.httpClient.Do(request)
	if err != nil {
		return mutations.SyncResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return mutations.SyncResponse{}, fmt.Errorf("API error: status=%d, body=%s", response.StatusCode, string(detail))
	}
	var decoded mutations.SyncResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return mutations.SyncResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return decoded, nil
}
