package inference

import (
	"strings"
	"testing"
)

func TestEncodeRequests_OneLinePerRecord(t *testing.T) {
	records := []RequestRecord{
		{CustomID: "task-1", Method: "POST", URL: "/v1/chat/completions", Body: ChatRequest{Model: "gpt-4o-mini"}},
		{CustomID: "task-2", Method: "POST", URL: "/v1/chat/completions", Body: ChatRequest{Model: "gpt-4o-mini"}},
	}

	out, err := EncodeRequests(records)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"custom_id":"task-1"`) {
		t.Errorf("first line missing custom_id: %s", lines[0])
	}
}

func TestParseResults(t *testing.T) {
	artifact := strings.Join([]string{
		`{"custom_id":"a","response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"score\":40}"}}]}}}`,
		`{"custom_id":"b","response":{"status_code":200,"body":{"choices":[{"message":{"refusal":"cannot comply"}}]}}}`,
		`{"custom_id":"c","error":{"code":"server_error","message":"item blew up"}}`,
		`not json at all`,
		`{"response":{}}`,
		``,
	}, "\n")

	records, skipped := ParseResults([]byte(artifact))

	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped lines, got %d", skipped)
	}

	byID := map[string]*ResultRecord{}
	for i := range records {
		byID[records[i].CustomID] = &records[i]
	}

	if got := byID["a"].Content(); !strings.Contains(got, "score") {
		t.Errorf("record a content = %q", got)
	}
	if got := byID["b"].Refusal(); got != "cannot comply" {
		t.Errorf("record b refusal = %q", got)
	}
	if got := byID["c"].ErrMessage(); got != "item blew up" {
		t.Errorf("record c error = %q", got)
	}
	if byID["a"].ErrMessage() != "" {
		t.Error("successful record must carry no error message")
	}
}

func TestParseResults_Empty(t *testing.T) {
	records, skipped := ParseResults(nil)
	if len(records) != 0 || skipped != 0 {
		t.Errorf("expected nothing from empty artifact, got %d records %d skipped", len(records), skipped)
	}
}
