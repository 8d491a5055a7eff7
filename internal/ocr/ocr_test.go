package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOpenAIClient_Infer(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{
			"choices":[{"message":{"content":"Invoice 42\r\n\r\n\r\nTotal   10.00"}}],
			"usage":{"prompt_tokens":900,"completion_tokens":12,"total_tokens":912}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "m1"}, quietLogger())
	inf, err := c.Infer(context.Background(), []byte("\x89PNG\r\n\x1a\nxx"), "image/png", "")
	require.NoError(t, err)

	assert.Equal(t, "Invoice 42\n\nTotal 10.00", inf.Text)
	assert.Equal(t, "m1", inf.Model)
	assert.Equal(t, Usage{PromptTokens: 900, CompletionTokens: 12, TotalTokens: 912}, inf.Usage)
	assert.False(t, inf.End.Before(inf.Start))

	assert.Equal(t, "m1", got["model"])
	raw, _ := json.Marshal(got["messages"])
	assert.Contains(t, string(raw), "data:image/png;base64,")
}

func TestOpenAIClient_StatusErrors(t *testing.T) {
	code := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = io.WriteString(w, `{"error":"slow down"}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}, quietLogger())
	_, err := c.Infer(context.Background(), []byte("img"), "image/png", "")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 429, se.Code)
	assert.True(t, IsTransient(err))

	code = http.StatusBadRequest
	_, err = c.Infer(context.Background(), []byte("img"), "image/png", "")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}, quietLogger())
	_, err := c.Infer(context.Background(), []byte("img"), "image/png", "")
	assert.ErrorContains(t, err, "no choices")
}

type fakeRunner struct {
	args []string
	out  string
	err  error
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	f.args = args
	return []byte(f.out), []byte("stderr"), f.err
}

func (f *fakeRunner) LookPath(name string) (string, error) { return name, nil }

func TestTesseractClient(t *testing.T) {
	r := &fakeRunner{out: "Hello\t\tworld\n\n\n\n___\nbye  "}
	c := NewTesseractClient(TesseractConfig{TessdataDir: "/td"}, r, quietLogger())

	inf, err := c.Infer(context.Background(), []byte("img"), "image/png", "deu")
	require.NoError(t, err)
	assert.Equal(t, "Hello world\n\nbye", inf.Text)
	assert.Equal(t, "deu", inf.Model)
	assert.Equal(t, []string{"stdout", "-l", "deu", "--tessdata-dir", "/td"}, r.args[1:])
	assert.Zero(t, inf.Usage.TotalTokens)

	r.err = errors.New("exit status 1")
	_, err = c.Infer(context.Background(), []byte("img"), "", "")
	assert.ErrorContains(t, err, "stderr")
}

func TestNormalize(t *testing.T) {
	in := "```markdown\n| a | b |\n|---|---|\n| 1 | 2 |\n```"
	assert.Equal(t, "| a | b |\n|---|---|\n| 1 | 2 |", Normalize(in))
	assert.Equal(t, "", Normalize(""))
	assert.True(t, strings.HasPrefix(Normalize("  x  "), "x"))
}

func TestUsageAdd(t *testing.T) {
	u := Usage{1, 2, 3}.Add(Usage{10, 20, 30})
	assert.Equal(t, Usage{11, 22, 33}, u)
}
