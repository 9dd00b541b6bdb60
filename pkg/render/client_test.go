package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/slides"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /render/latex", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Latex   string `json:"latex"`
			Display bool   `json:"display"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Latex == `\bad` {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"error":"undefined control sequence"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"svg":"<svg>` + body.Latex + `</svg>"}`))
	})
	mux.HandleFunc("POST /render/mermaid", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("POST /render/citation", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Citations []map[string]string `json:"citations"`
			Style     string              `json:"style"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		out := make([]string, len(body.Citations))
		for i, c := range body.Citations {
			out[i] = body.Style + ": " + c["author"] + " (" + c["year"] + ") " + c["title"]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "citations": out})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRenderLatex(t *testing.T) {
	c := NewClient(newServer(t).URL+"/", 0)

	svg, err := c.RenderLatex(context.Background(), "E=mc^2", true)
	require.NoError(t, err)
	assert.Equal(t, "<svg>E=mc^2</svg>", svg)

	_, err = c.RenderLatex(context.Background(), `\bad`, true)
	var re *RenderError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, slides.AssetLatex, re.Kind)
	assert.Contains(t, re.Message, "undefined control sequence")
	assert.False(t, IsUnavailable(err))
}

func TestServerErrorsAreUnavailable(t *testing.T) {
	c := NewClient(newServer(t).URL, 0)
	_, err := c.RenderMermaid(context.Background(), "graph TD; A-->B")
	assert.True(t, IsUnavailable(err))

	down := NewClient("http://127.0.0.1:1", 0)
	assert.True(t, IsUnavailable(down.Health(context.Background())))
	_, err = down.RenderLatex(context.Background(), "x", false)
	assert.True(t, IsUnavailable(err))
}

func TestFormatCitations(t *testing.T) {
	c := NewClient(newServer(t).URL, 0)
	require.NoError(t, c.Health(context.Background()))

	out, err := c.FormatCitations(context.Background(), []slides.Citation{
		{Title: "Attention Is All You Need", Authors: []string{"Vaswani", "Shazeer"}, Year: "2017"},
	}, "ieee")
	require.NoError(t, err)
	assert.Equal(t, []string{"ieee: Vaswani, Shazeer (2017) Attention Is All You Need"}, out)

	out, err = c.FormatCitations(context.Background(), nil, "apa")
	assert.NoError(t, err)
	assert.Nil(t, out)
}
