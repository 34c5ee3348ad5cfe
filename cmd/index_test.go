package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddingServer answers /v1/embeddings with one 2-dimensional vector per
// input
func embeddingServer(t testing.TB, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/embeddings" {
					http.NotFound(w, r)
					return
				}
				calls.Add(1)
				var req struct {
					Input []string `json:"input"`
					Model string   `json:"model"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				data := make([]map[string]any, 0, len(req.Input))
				for i, s := range req.Input {
					data = append(
						data, map[string]any{
							"object":    "embedding",
							"index":     i,
							"embedding": []float32{float32(len(s)), 1},
						},
					)
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(
					map[string]any{
						"object": "list",
						"model":  req.Model,
						"data":   data,
						"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
					},
				)
			},
		),
	)
	t.Cleanup(srv.Close)
	return srv
}

func TestIndexCommand(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "heroes.md"), []byte("Heroes\n\nLead marches"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "gear.txt"), []byte("Tier 3 gear"), 0o644))
	out := filepath.Join(t.TempDir(), "data", "gotc.json")

	t.Setenv("GOTC_MODEL_BACKEND", "local")
	t.Setenv("GOTC_MODEL_BASE_URL", srv.URL+"/v1")

	currentOut := rootCmd.OutOrStdout()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			indexSourceDir = ""
			indexOutputFile = ""
		},
	)
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)

	rootCmd.SetArgs([]string{"index", "--source", src, "--out", out, "--batch-size", "1"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, fmt.Sprintf("wrote 2 records to %s\n", out), buf.String())
	assert.Equal(t, int32(2), calls.Load())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"gear.txt#0"`)
	assert.Contains(t, string(data), `"heroes.md#0"`)
}
