package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lkarlslund/kotoba/pkg/prompt"
	"github.com/lkarlslund/kotoba/pkg/provider"
	openai "github.com/sashabaranov/go-openai"
)

const (
	contentTypeEventStream = "text/event-stream"
	contentTypePlainText   = "text/plain; charset=utf-8"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages  []ChatMessage `json:"messages"`
	UseStream bool          `json:"useStream"`
	Model     string        `json:"model,omitempty"`
}

func (req *ChatRequest) requestAPIURL() string { return "" }

func (req *ChatRequest) validate() error {
	if len(req.Messages) == 0 {
		return invalidRequest("messages is required")
	}
	return nil
}

func (req *ChatRequest) build(s *Server, creds credentials) (outbound, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, provider.SystemMessage(prompt.ChatSystem()))
	for _, m := range req.Messages {
		role := strings.TrimSpace(m.Role)
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return outbound{
		target:      provider.Target{URL: creds.APIURL, APIKey: creds.APIKey},
		payload:     provider.NewChatRequest(s.model(req.Model), msgs, req.UseStream, false),
		mode:        modeFor(req.UseStream),
		contentType: contentTypeEventStream,
	}, nil
}

type GrammarAnalysisRequest struct {
	Sentence string            `json:"sentence"`
	Tokens   []json.RawMessage `json:"tokens"`
	Model    string            `json:"model,omitempty"`
	APIURL   string            `json:"apiUrl,omitempty"`
	Stream   bool              `json:"stream"`
}

func (req *GrammarAnalysisRequest) requestAPIURL() string { return req.APIURL }

func (req *GrammarAnalysisRequest) validate() error {
	if strings.TrimSpace(req.Sentence) == "" {
		return invalidRequest("sentence is required")
	}
	if len(req.Tokens) == 0 {
		return invalidRequest("tokens is required")
	}
	return nil
}

func (req *GrammarAnalysisRequest) build(s *Server, creds credentials) (outbound, error) {
	tokens, err := json.Marshal(req.Tokens)
	if err != nil {
		return outbound{}, invalidRequest("tokens must be JSON values")
	}
	text, err := prompt.GrammarAnalysis(prompt.GrammarInput{
		Sentence: strings.TrimSpace(req.Sentence),
		Tokens:   string(tokens),
	})
	if err != nil {
		return outbound{}, internalError("Failed to build prompt", err)
	}
	msgs := []openai.ChatCompletionMessage{
		provider.SystemMessage(prompt.AnalysisSystem()),
		provider.UserMessage(text),
	}
	return outbound{
		target:      provider.Target{URL: creds.APIURL, APIKey: creds.APIKey},
		payload:     provider.NewChatRequest(s.model(req.Model), msgs, req.Stream, true),
		mode:        modeFor(req.Stream),
		contentType: contentTypeEventStream,
	}, nil
}

type WordDetailRequest struct {
	Word         string `json:"word"`
	POS          string `json:"pos"`
	Sentence     string `json:"sentence"`
	Furigana     string `json:"furigana,omitempty"`
	Romaji       string `json:"romaji,omitempty"`
	Model        string `json:"model,omitempty"`
	APIURL       string `json:"apiUrl,omitempty"`
	UseStream    bool   `json:"useStream"`
	LearningMode string `json:"learningMode,omitempty"`

	mode prompt.LearningMode
}

func (req *WordDetailRequest) requestAPIURL() string { return req.APIURL }

func (req *WordDetailRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Word) == "":
		return invalidRequest("word is required")
	case strings.TrimSpace(req.POS) == "":
		return invalidRequest("pos is required")
	case strings.TrimSpace(req.Sentence) == "":
		return invalidRequest("sentence is required")
	}
	mode, err := prompt.ParseLearningMode(req.LearningMode)
	if err != nil {
		return invalidRequest("%s", err.Error())
	}
	req.mode = mode
	return nil
}

func (req *WordDetailRequest) build(s *Server, creds credentials) (outbound, error) {
	text, err := prompt.WordDetail(prompt.WordInput{
		Word:     strings.TrimSpace(req.Word),
		POS:      strings.TrimSpace(req.POS),
		Sentence: strings.TrimSpace(req.Sentence),
		Furigana: strings.TrimSpace(req.Furigana),
		Romaji:   strings.TrimSpace(req.Romaji),
		Mode:     req.mode,
	})
	if err != nil {
		return outbound{}, internalError("Failed to build prompt", err)
	}
	msgs := []openai.ChatCompletionMessage{
		provider.SystemMessage(prompt.AnalysisSystem()),
		provider.UserMessage(text),
	}
	return outbound{
		target:      provider.Target{URL: creds.APIURL, APIKey: creds.APIKey},
		payload:     provider.NewChatRequest(s.model(req.Model), msgs, req.UseStream, true),
		mode:        modeFor(req.UseStream),
		contentType: contentTypePlainText,
	}, nil
}

type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
	Model string `json:"model,omitempty"`
}

// TTS talks to the speech endpoint, so a request apiUrl does not apply.
func (req *TTSRequest) requestAPIURL() string { return "" }

func (req *TTSRequest) validate() error {
	if strings.TrimSpace(req.Text) == "" {
		return invalidRequest("text is required")
	}
	return nil
}

func (req *TTSRequest) build(s *Server, creds credentials) (outbound, error) {
	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = s.cfg.Speech.Voice
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.cfg.Speech.Model
	}
	return outbound{
		target: provider.Target{
			URL:    provider.SpeechURL(s.cfg.Speech.BaseURL, model),
			APIKey: creds.APIKey,
			Header: http.Header{"X-Goog-Api-Key": []string{creds.APIKey}},
		},
		payload: provider.NewSpeechRequest(req.Text, voice),
		mode:    modeSpeech,
	}, nil
}

func (s *Server) model(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return s.cfg.Upstream.Model
}

func modeFor(stream bool) relayMode {
	if stream {
		return modeStream
	}
	return modeJSON
}
