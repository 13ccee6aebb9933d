package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLearningMode(t *testing.T) {
	for raw, want := range map[string]LearningMode{
		"":             ModeIntermediate,
		"beginner":     ModeBeginner,
		" Advanced ":   ModeAdvanced,
		"INTERMEDIATE": ModeIntermediate,
	} {
		got, err := ParseLearningMode(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseLearningMode("expert")
	assert.Error(t, err)
}

func TestChatSystemPromptIsFixed(t *testing.T) {
	first := ChatSystem()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, ChatSystem())
	assert.Contains(t, first, "Japanese")
}

func TestGrammarAnalysisEmbedsSentenceAndTokens(t *testing.T) {
	out, err := GrammarAnalysis(GrammarInput{
		Sentence: "猫が好きです",
		Tokens:   `[{"word":"猫"},{"word":"が"}]`,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "猫が好きです")
	assert.Contains(t, out, `[{"word":"猫"},{"word":"が"}]`)
	assert.Contains(t, out, `"grammarPoints"`)
}

func TestWordDetailFieldsDependOnMode(t *testing.T) {
	base := WordInput{Word: "食べる", POS: "動詞", Sentence: "りんごを食べる", Furigana: "たべる"}

	beginner := base
	beginner.Mode = ModeBeginner
	b, err := WordDetail(beginner)
	require.NoError(t, err)
	assert.Contains(t, b, `"englishTranslation"`)
	assert.NotContains(t, b, `"jlptLevel"`)
	assert.NotContains(t, b, `"kanjiBreakdown"`)
	assert.Contains(t, b, "たべる")

	i, err := WordDetail(base)
	require.NoError(t, err)
	assert.Contains(t, i, "intermediate")
	assert.Contains(t, i, `"jlptLevel"`)
	assert.NotContains(t, i, `"kanjiBreakdown"`)

	advanced := base
	advanced.Mode = ModeAdvanced
	a, err := WordDetail(advanced)
	require.NoError(t, err)
	assert.Contains(t, a, `"jlptLevel"`)
	assert.Contains(t, a, `"kanjiBreakdown"`)
	assert.NotContains(t, a, "Romaji:")
}

func TestWordDetailQuotesCallerTextInSchema(t *testing.T) {
	out, err := WordDetail(WordInput{Word: `猫"}`, POS: `名詞", "x": "y`, Sentence: "猫がいる"})
	require.NoError(t, err)
	assert.Contains(t, out, `"originalWord": "猫\"}",`)
	assert.Contains(t, out, `"pos": "名詞\", \"x\": \"y",`)
	assert.NotContains(t, out, `"pos": "名詞",`)
}
