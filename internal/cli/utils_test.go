package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/mirip/internal/models"
)

func sampleResponse() *models.SimilarityResponse {
	return &models.SimilarityResponse{
		ProductIDs: []int64{7, 3},
		Scores:     []models.ScoredProduct{{ProductID: 7, Distance: 2}, {ProductID: 3, Distance: 11}},
		Mode:       "matched",
		Timings:    &models.Timings{HashMs: 1.5, ScanMs: 0.4, RankMs: 0.1, TotalMs: 2.2},
		Products: []*models.Product{
			{ID: 7, Title: "Blue ceramic mug"},
			{ID: 3, Title: "Teapot"},
		},
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SimilarityResponse
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded.Mode != "matched" || len(decoded.ProductIDs) != 2 || decoded.ProductIDs[0] != 7 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestWriteSearchResults_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"2 products (matched)", "in 2.2ms", "#7", "distance  2/64", "Blue ceramic mug", "#3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "#7") > strings.Index(out, "#3") {
		t.Errorf("rank order not preserved:\n%s", out)
	}
}

func TestWriteSearchResults_TextFallback(t *testing.T) {
	resp := &models.SimilarityResponse{
		ProductIDs: []int64{5},
		Mode:       "fallback",
		Products:   []*models.Product{{ID: 5, Title: "Newest listing"}},
	}
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, resp, ""); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "(fallback)") || !strings.Contains(out, "Newest listing") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "distance") {
		t.Errorf("fallback output should not show distances:\n%s", out)
	}
}

func TestWriteSearchResults_TextEmpty(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteSearchResults(&buf, &models.SimilarityResponse{Mode: "matched"}, OutputText)
	if !strings.Contains(buf.String(), "(no products)") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestWriteHashResults(t *testing.T) {
	results := []HashResult{
		{Path: "a.png", Fingerprint: "ffff0000ffff0000"},
		{Path: "b.txt", Error: "invalid image"},
	}
	var buf bytes.Buffer
	if err := WriteHashResults(&buf, results, OutputText); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[0] != "ffff0000ffff0000  a.png" || !strings.Contains(lines[1], "invalid image") {
		t.Errorf("lines = %q", lines)
	}

	buf.Reset()
	if err := WriteHashResults(&buf, results, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded []HashResult
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || len(decoded) != 2 || decoded[1].Error == "" {
		t.Errorf("decoded = %+v, err %v", decoded, err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"longer text", 6, "longer..."},
		{"ぐいのみ", 2, "ぐい..."},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
