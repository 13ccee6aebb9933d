package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/lkarlslund/kotoba/pkg/config"
	"github.com/lkarlslund/kotoba/pkg/prompt"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completionBody = `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"translation\":\"I like cats\"}"}}]}`

func TestMissingFieldsReturn400WithoutUpstreamCall(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, upstream.URL, nil)

	cases := []struct {
		path string
		body string
	}{
		{"/api/chat", `{}`},
		{"/api/chat", `{"messages":[]}`},
		{"/api/grammar-analysis", `{"tokens":[{"word":"猫"}]}`},
		{"/api/grammar-analysis", `{"sentence":"猫が好き"}`},
		{"/api/grammar-analysis", `{"sentence":"猫が好き","tokens":[]}`},
		{"/api/word-detail", `{"pos":"名詞","sentence":"猫が好き"}`},
		{"/api/word-detail", `{"word":"猫","sentence":"猫が好き"}`},
		{"/api/word-detail", `{"word":"猫","pos":"名詞"}`},
		{"/api/word-detail", `{"word":"猫","pos":"名詞","sentence":"猫が好き","learningMode":"expert"}`},
		{"/api/grammar-analysis", `{"sentence":"猫","tokens":[1],"apiUrl":"file:///etc/passwd"}`},
		{"/api/tts", `{"voice":"Kore"}`},
		{"/api/tts", `{"text":"   "}`},
		{"/api/chat", `{"messages":`},
	}
	for _, tc := range cases {
		w := doJSON(t, s, http.MethodPost, tc.path, tc.body, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, "%s %s", tc.path, tc.body)
		var resp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
		assert.NotEmpty(t, resp.Error.Message, "%s %s", tc.path, tc.body)
	}
	assert.Equal(t, 0, spy.Hits())
}

func TestMissingCredentialReturns500WithoutUpstreamCall(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, upstream.URL, func(c *config.ServerConfig) { c.Upstream.APIKey = "" })

	for path, body := range map[string]string{
		"/api/chat":             `{"messages":[{"role":"user","content":"こんにちは"}]}`,
		"/api/grammar-analysis": `{"sentence":"猫","tokens":[{"word":"猫"}]}`,
		"/api/word-detail":      `{"word":"猫","pos":"名詞","sentence":"猫"}`,
		"/api/tts":              `{"text":"猫"}`,
	} {
		w := doJSON(t, s, http.MethodPost, path, body, nil)
		require.Equal(t, http.StatusInternalServerError, w.Code, path)
		assert.JSONEq(t, `{"error":{"message":"API key is not configured"}}`, w.Body.String(), path)
	}
	assert.Equal(t, 0, spy.Hits())
}

func TestMissingCredentialWinsOverValidation(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, upstream.URL, func(c *config.ServerConfig) { c.Upstream.APIKey = "" })

	w := doJSON(t, s, http.MethodPost, "/api/chat", `{}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, spy.Hits())
}

func TestBearerHeaderOverridesConfiguredKey(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, upstream.URL, nil)

	w := doJSON(t, s, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`,
		http.Header{"Authorization": []string{"Bearer client-key"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, h, _ := spy.Last()
	assert.Equal(t, "Bearer client-key", h.Get("Authorization"))

	w = doJSON(t, s, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, h, _ = spy.Last()
	assert.Equal(t, "Bearer server-key", h.Get("Authorization"))
}

func TestRequestAPIURLOverridesConfiguredURL(t *testing.T) {
	configured, configuredSpy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	override, overrideSpy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, configured.URL, nil)

	body := `{"sentence":"猫が好きです","tokens":[{"word":"猫"}],"apiUrl":"` + override.URL + `/custom/completions"}`
	w := doJSON(t, s, http.MethodPost, "/api/grammar-analysis", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, configuredSpy.Hits())
	require.Equal(t, 1, overrideSpy.Hits())
	path, _, _ := overrideSpy.Last()
	assert.Equal(t, "/custom/completions", path)
}

func TestPinnedAPIURLKeepsKeyOnConfiguredUpstream(t *testing.T) {
	configured, configuredSpy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	other, otherSpy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, configured.URL, func(c *config.ServerConfig) { c.Upstream.PinAPIURL = true })

	body := `{"word":"猫","pos":"名詞","sentence":"猫","apiUrl":"` + other.URL + `/collect"}`
	w := doJSON(t, s, http.MethodPost, "/api/word-detail", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, otherSpy.Hits())
	require.Equal(t, 1, configuredSpy.Hits())
	_, h, _ := configuredSpy.Last()
	assert.Equal(t, "Bearer server-key", h.Get("Authorization"))
}

func TestChatMessageWithoutRoleIsSentAsUser(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, upstream.URL, nil)

	w := doJSON(t, s, http.MethodPost, "/api/chat", `{"messages":[{"content":"猫"},{"role":" assistant ","content":"ねこ"}]}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, _, raw := spy.Last()
	var sent openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(raw, &sent))
	require.Len(t, sent.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleUser, sent.Messages[1].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, sent.Messages[2].Role)
}

func TestBufferedChatRelaysUpstreamJSONVerbatim(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, upstream.URL, nil)

	w := doJSON(t, s, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"こんにちは"}]}`,
		http.Header{"X-Request-Id": []string{"abc-123"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, completionBody, w.Body.String())

	path, h, raw := spy.Last()
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "abc-123", h.Get("X-Request-Id"))
	assert.True(t, strings.HasPrefix(h.Get("User-Agent"), "kotoba/"), h.Get("User-Agent"))

	var sent openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "test-model", sent.Model)
	assert.False(t, sent.Stream)
	assert.Nil(t, sent.ResponseFormat)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, sent.Messages[0].Role)
	assert.Equal(t, prompt.ChatSystem(), sent.Messages[0].Content)
	assert.Equal(t, "こんにちは", sent.Messages[1].Content)
}

func TestWordDetailPayloadCarriesPromptAndModel(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, upstream.URL, nil)

	body := `{"word":"食べる","pos":"動詞","sentence":"りんごを食べる","model":"other-model","learningMode":"advanced"}`
	w := doJSON(t, s, http.MethodPost, "/api/word-detail", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, _, raw := spy.Last()
	var sent openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "other-model", sent.Model)
	require.NotNil(t, sent.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, sent.ResponseFormat.Type)
	require.Len(t, sent.Messages, 2)
	assert.Contains(t, sent.Messages[1].Content, "食べる")
	assert.Contains(t, sent.Messages[1].Content, "kanjiBreakdown")
}

func TestUpstreamErrorIsRelayedWithStatus(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantBody string
	}{
		{"error member", http.StatusTooManyRequests, `{"error":{"message":"quota exceeded","code":429}}`, `{"error":{"message":"quota exceeded","code":429}}`},
		{"whole json", http.StatusBadRequest, `[{"reason":"bad model"}]`, `{"error":[{"reason":"bad model"}]}`},
		{"plain text", http.StatusBadGateway, "gateway exploded", `{"error":{"message":"gateway exploded"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			s := newTestServer(t, upstream.URL, nil)
			w := doJSON(t, s, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}],"useStream":true}`, nil)
			assert.Equal(t, tc.status, w.Code)
			assert.JSONEq(t, tc.wantBody, w.Body.String())
			assert.Equal(t, 1, spy.Hits())
		})
	}
}

func TestStreamingRelaysUpstreamBytes(t *testing.T) {
	const stream = "data: {\"choices\":[{\"delta\":{\"content\":\"猫\"}}]}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"です\"}}]}\n\ndata: [DONE]\n\n"
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, part := range strings.SplitAfter(stream, "\n\n") {
			_, _ = w.Write([]byte(part))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	})
	s := newTestServer(t, upstream.URL, nil)

	cases := []struct {
		path        string
		body        string
		contentType string
	}{
		{"/api/chat", `{"messages":[{"role":"user","content":"hi"}],"useStream":true}`, "text/event-stream"},
		{"/api/grammar-analysis", `{"sentence":"猫です","tokens":["猫","です"],"stream":true}`, "text/event-stream"},
		{"/api/word-detail", `{"word":"猫","pos":"名詞","sentence":"猫です","useStream":true}`, "text/plain; charset=utf-8"},
	}
	for _, tc := range cases {
		w := doJSON(t, s, http.MethodPost, tc.path, tc.body, nil)
		require.Equal(t, http.StatusOK, w.Code, tc.path)
		assert.Equal(t, tc.contentType, w.Header().Get("Content-Type"), tc.path)
		assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"), tc.path)
		assert.Equal(t, stream, w.Body.String(), tc.path)
		assert.True(t, w.Flushed, tc.path)

		_, _, raw := spy.Last()
		var sent openai.ChatCompletionRequest
		require.NoError(t, json.Unmarshal(raw, &sent))
		assert.True(t, sent.Stream, tc.path)
		assert.Nil(t, sent.ResponseFormat, tc.path)
	}
}

func TestBufferedInvalidUpstreamJSONIsInternalError(t *testing.T) {
	upstream, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, `{"choices":`) })
	s := newTestServer(t, upstream.URL, nil)

	w := doJSON(t, s, http.MethodPost, "/api/grammar-analysis", `{"sentence":"猫","tokens":[{"word":"猫"}]}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "invalid JSON")
}

func TestUnreachableUpstreamIsInternalError(t *testing.T) {
	upstream, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	url := upstream.URL
	upstream.Close()
	s := newTestServer(t, url, nil)

	w := doJSON(t, s, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Upstream request failed")
}

func TestTTSExtractsAudio(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		jsonOK(w, `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"audio/L16;codec=pcm;rate=24000","data":"AAECAw=="}}]}}]}`)
	})
	s := newTestServer(t, upstream.URL, nil)

	w := doJSON(t, s, http.MethodPost, "/api/tts", `{"text":"こんにちは"}`, http.Header{"Authorization": []string{"Bearer tts-key"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"audio":"AAECAw==","mimeType":"audio/L16;codec=pcm;rate=24000"}`, w.Body.String())

	path, h, raw := spy.Last()
	assert.Equal(t, "/v1beta/models/"+config.DefaultSpeechModel+":generateContent", path)
	assert.Equal(t, "Bearer tts-key", h.Get("Authorization"))
	assert.Equal(t, "tts-key", h.Get("X-Goog-Api-Key"))
	assert.Contains(t, string(raw), `"voiceName":"Kore"`)
	assert.Contains(t, string(raw), `"responseModalities":["AUDIO"]`)
}

func TestTTSWithoutInlineDataIsNoAudioData(t *testing.T) {
	upstream, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		jsonOK(w, `{"candidates":[{"content":{"parts":[{"text":"no audio today"}]}}]}`)
	})
	s := newTestServer(t, upstream.URL, nil)

	w := doJSON(t, s, http.MethodPost, "/api/tts", `{"text":"猫","voice":"Puck","model":"tts-2"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":{"message":"No audio data received"}}`, w.Body.String())
}

func TestOversizedBodyIsRejected(t *testing.T) {
	upstream, spy := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { jsonOK(w, completionBody) })
	s := newTestServer(t, upstream.URL, func(c *config.ServerConfig) { c.MaxBodySize = "2KB" })

	body := `{"text":"` + strings.Repeat("あ", 2000) + `"}`
	w := doJSON(t, s, http.MethodPost, "/api/tts", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, 0, spy.Hits())
}
