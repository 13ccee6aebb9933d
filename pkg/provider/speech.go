package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrNoAudioData = errors.New("no audio data in upstream response")

type SpeechRequest struct {
	Contents         []SpeechContent        `json:"contents"`
	GenerationConfig SpeechGenerationConfig `json:"generationConfig"`
}

type SpeechContent struct {
	Parts []SpeechPart `json:"parts"`
}

type SpeechPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type SpeechGenerationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       SpeechConfig `json:"speechConfig"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type speechResponse struct {
	Candidates []struct {
		Content SpeechContent `json:"content"`
	} `json:"candidates"`
}

// Speech is the audio extracted from a generateContent response. Audio stays base64.
type Speech struct {
	Audio    string `json:"audio"`
	MimeType string `json:"mimeType"`
}

func NewSpeechRequest(text, voice string) SpeechRequest {
	return SpeechRequest{
		Contents: []SpeechContent{{Parts: []SpeechPart{{Text: text}}}},
		GenerationConfig: SpeechGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: SpeechConfig{
				VoiceConfig: VoiceConfig{
					PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
	}
}

// SpeechURL returns {base}/models/{model}:generateContent.
func SpeechURL(baseURL, model string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	return base + "/models/" + url.PathEscape(model) + ":generateContent"
}

// ExtractSpeech reads candidates[0].content.parts[0].inlineData.
func ExtractSpeech(body []byte) (Speech, error) {
	var resp speechResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Speech{}, fmt.Errorf("decode speech response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Speech{}, ErrNoAudioData
	}
	inline := resp.Candidates[0].Content.Parts[0].InlineData
	if inline == nil || inline.Data == "" {
		return Speech{}, ErrNoAudioData
	}
	return Speech{Audio: inline.Data, MimeType: inline.MimeType}, nil
}
