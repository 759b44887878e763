package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testSummary() PatternSummary {
	return PatternSummary{
		Account:        "0xabc",
		CostMultiplier: 4,
		RateMultiplier: 2,
	}
}

func completionBody(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
}

func TestClassifyPatternSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "chat/completions") {
			t.Fatalf("路径应包含 chat/completions, 实际 %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Fatalf("Authorization 头不正确: %q", got)
		}
		judgment := `{"is_unusual":true,"likely_cause":"bug","severity":"high","recommendation":"review","should_pause":false}`
		_ = json.NewEncoder(w).Encode(completionBody(judgment))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "key", Model: "test", Timeout: time.Second}, zerolog.Nop())
	judgment, err := c.ClassifyPattern(context.Background(), testSummary())
	if err != nil {
		t.Fatalf("ClassifyPattern 应成功: %v", err)
	}
	if !judgment.IsUnusual || judgment.Severity != "high" || judgment.LikelyCause != "bug" {
		t.Fatalf("判定结果不正确: %+v", judgment)
	}
}

func TestClassifyPatternHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if _, err := c.ClassifyPattern(context.Background(), testSummary()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("HTTP 500 应映射为 ErrUnavailable, 实际 %v", err)
	}
}

func TestClassifyPatternRejectsInvalidJudgment(t *testing.T) {
	cases := map[string]string{
		"bad severity": `{"is_unusual":true,"likely_cause":"bug","severity":"catastrophic","should_pause":true}`,
		"bad cause":    `{"is_unusual":true,"likely_cause":"aliens","severity":"high","should_pause":true}`,
		"not json":     `definitely not json`,
	}

	for name, content := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(completionBody(content))
		}))

		c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
		if _, err := c.ClassifyPattern(context.Background(), testSummary()); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("%s: 应映射为 ErrUnavailable, 实际 %v", name, err)
		}
		srv.Close()
	}
}
