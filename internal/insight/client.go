// Package insight asks an external analysis service for a community health
// read. The caller always gets a usable Insight back; when the service is
// unreachable or returns something unusable the fixed neutral fallback is
// substituted.
package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	SentimentPositive   = "positive"
	SentimentNeutral    = "neutral"
	SentimentCautionary = "cautionary"
)

const (
	maxActivitySamples = 20
	maxSampleLen       = 240
)

// Insight is the analysis result shown on a community dashboard.
type Insight struct {
	Summary         string   `json:"summary"`
	Sentiment       string   `json:"sentiment"`
	Recommendations []string `json:"recommendations"`
}

// Fallback is what callers see when no analysis could be produced.
func Fallback() Insight {
	return Insight{
		Summary:   "Could not retrieve automated insights at this time.",
		Sentiment: SentimentNeutral,
		Recommendations: []string{
			"Manually review community reports",
			"Engage with top active members",
			"Verify network integrity",
		},
	}
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient returns a client for the analysis endpoint. An empty baseURL
// yields a client that always answers with the fallback.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type analysisRequest struct {
	SubjectName     string   `json:"subjectName"`
	ActivitySamples []string `json:"activitySamples"`
}

// Insights analyzes recent activity for the named community. It never
// returns an error; failures degrade to Fallback.
func (c *Client) Insights(ctx context.Context, subjectName string, activity []string) Insight {
	if c == nil || c.baseURL == "" {
		return Fallback()
	}

	body, err := json.Marshal(analysisRequest{
		SubjectName:     subjectName,
		ActivitySamples: boundSamples(activity),
	})
	if err != nil {
		log.Printf("insight: encode request: %v", err)
		return Fallback()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/insights", bytes.NewReader(body))
	if err != nil {
		log.Printf("insight: build request: %v", err)
		return Fallback()
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("insight: request failed: %v", err)
		return Fallback()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("insight: unexpected status %d", resp.StatusCode)
		return Fallback()
	}

	var result Insight
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Printf("insight: decode response: %v", err)
		return Fallback()
	}
	if !usable(result) {
		log.Printf("insight: unusable response %+v", result)
		return Fallback()
	}
	result.Sentiment = strings.ToLower(result.Sentiment)
	return result
}

// boundSamples caps how much conversation text leaves the process.
func boundSamples(activity []string) []string {
	if len(activity) > maxActivitySamples {
		activity = activity[len(activity)-maxActivitySamples:]
	}
	bounded := make([]string, 0, len(activity))
	for _, sample := range activity {
		if len(sample) > maxSampleLen {
			sample = sample[:maxSampleLen]
		}
		bounded = append(bounded, sample)
	}
	return bounded
}

func usable(result Insight) bool {
	if strings.TrimSpace(result.Summary) == "" {
		return false
	}
	switch strings.ToLower(result.Sentiment) {
	case SentimentPositive, SentimentNeutral, SentimentCautionary:
		return true
	}
	return false
}

// String makes log lines compact.
func (i Insight) String() string {
	return fmt.Sprintf("%s insight, %d recommendations", i.Sentiment, len(i.Recommendations))
}
