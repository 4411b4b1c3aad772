package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var _ Retriever = (*KBClient)(nil)

// KBClient queries a managed knowledge base through its retrieve endpoint.
type KBClient struct {
	baseURL         string
	knowledgeBaseID string
	apiKey          string
	timeout         time.Duration
	httpClient      *http.Client
}

type KBConfig struct {
	BaseURL         string
	KnowledgeBaseID string
	APIKey          string
	Timeout         time.Duration
}

func NewKBClient(cfg KBConfig) *KBClient {
	return &KBClient{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		knowledgeBaseID: cfg.KnowledgeBaseID,
		apiKey:          cfg.APIKey,
		timeout:         cfg.Timeout,
		httpClient:      &http.Client{},
	}
}

type kbRequest struct {
	RetrievalQuery struct {
		Text string `json:"text"`
	} `json:"retrievalQuery"`
	RetrievalConfiguration struct {
		VectorSearchConfiguration struct {
			NumberOfResults int `json:"numberOfResults"`
		} `json:"vectorSearchConfiguration"`
	} `json:"retrievalConfiguration"`
}

type kbResponse struct {
	RetrievalResults []struct {
		Content struct {
			Text string `json:"text"`
		} `json:"content"`
		Location struct {
			WebLocation struct {
				URL string `json:"url"`
			} `json:"webLocation"`
			S3Location struct {
				URI string `json:"uri"`
			} `json:"s3Location"`
		} `json:"location"`
		Score float64 `json:"score"`
	} `json:"retrievalResults"`
}

// Retrieve runs one retrieve call. Results without a web location fall back
// to their storage URI, and to no URL at all when neither is set.
func (c *KBClient) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body kbRequest
	body.RetrievalQuery.Text = query
	body.RetrievalConfiguration.VectorSearchConfiguration.NumberOfResults = topK
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/knowledgebases/%s/retrieve", c.baseURL, url.PathEscape(c.knowledgeBaseID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("creating retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("retrieve: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out kbResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding retrieve response: %w", err)
	}

	passages := make([]Passage, 0, len(out.RetrievalResults))
	for _, r := range out.RetrievalResults {
		src := r.Location.WebLocation.URL
		if src == "" {
			src = r.Location.S3Location.URI
		}
		passages = append(passages, Passage{Text: r.Content.Text, SourceURL: src, Score: r.Score})
	}
	return passages, nil
}
