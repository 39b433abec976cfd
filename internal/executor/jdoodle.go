package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Job is one script submitted to the provider
type Job struct {
	Script       string
	Language     string
	VersionIndex string
}

// Provider runs code somewhere else and returns its textual output
type Provider interface {
	Execute(ctx context.Context, job Job) (string, error)
}

// ProviderError is a failure reported by the provider itself
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return e.Message
}

type jdoodleRequest struct {
	Script       string `json:"script"`
	Language     string `json:"language"`
	VersionIndex string `json:"versionIndex"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type jdoodleResponse struct {
	Output     string `json:"output"`
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

// JDoodle calls the JDoodle execute API
type JDoodle struct {
	url          string
	clientID     string
	clientSecret string
	client       *http.Client
}

func NewJDoodle(url, clientID, clientSecret string, client *http.Client) *JDoodle {
	if client == nil {
		client = http.DefaultClient
	}
	return &JDoodle{
		url:          url,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
	}
}

func (j *JDoodle) Execute(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(jdoodleRequest{
		Script:       job.Script,
		Language:     job.Language,
		VersionIndex: job.VersionIndex,
		ClientID:     j.clientID,
		ClientSecret: j.clientSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read provider response: %w", err)
	}

	var out jdoodleResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && out.Error != "" {
			return "", &ProviderError{Status: resp.StatusCode, Message: out.Error}
		}
		return "", &ProviderError{Status: resp.StatusCode, Message: fmt.Sprintf("Request failed with status code %d", resp.StatusCode)}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode provider response: %w", decodeErr)
	}
	if out.Error != "" {
		return "", &ProviderError{Status: resp.StatusCode, Message: out.Error}
	}
	return out.Output, nil
}
