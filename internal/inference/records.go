package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// RequestRecord is one line of a batch request file. CustomID is the
// caller-chosen opaque identifier used to match results back to work items.
type RequestRecord struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     interface{} `json:"body"`
}

// ChatRequest is the per-item chat completion request body.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// ChatMessage is one role/content pair.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeRequests serializes request records as JSONL for upload.
func EncodeRequests(records []RequestRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("failed to encode request %s: %w", records[i].CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

// ResultRecord is one parsed line of a batch result or error artifact.
type ResultRecord struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
					Refusal string `json:"refusal"`
				} `json:"message"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Content returns the first choice's message content, or "".
func (r *ResultRecord) Content() string {
	if r.Response == nil || len(r.Response.Body.Choices) == 0 {
		return ""
	}
	return r.Response.Body.Choices[0].Message.Content
}

// Refusal returns the refusal reason when the model declined to answer.
// A refusal is a terminal-but-non-error outcome distinct from a technical
// failure.
func (r *ResultRecord) Refusal() string {
	if r.Response == nil || len(r.Response.Body.Choices) == 0 {
		return ""
	}
	return r.Response.Body.Choices[0].Message.Refusal
}

// ErrMessage returns the per-item error description, or "".
func (r *ResultRecord) ErrMessage() string {
	if r.Error != nil {
		return r.Error.Message
	}
	if r.Response != nil && r.Response.Body.Error != nil {
		return r.Response.Body.Error.Message
	}
	return ""
}

// ParseResults decodes a newline-delimited artifact. Lines that cannot be
// decoded or carry no custom_id are skipped and reported in the second
// return value rather than failing the parse; one garbage line must never
// lose the rest of the batch.
func ParseResults(artifact []byte) ([]ResultRecord, int) {
	var records []ResultRecord
	skipped := 0
	for _, line := range strings.Split(string(artifact), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec ResultRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.CustomID == "" {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}
