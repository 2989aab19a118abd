package services

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strings"
	"unicode"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// ExerciseGenerator produces new exercises of one type
type ExerciseGenerator interface {
	Generate(ctx context.Context, language string, n int) ([]*models.Exercise, error)
}

// LLMExerciseGenerator asks the LLM for exercises of one type
type LLMExerciseGenerator struct {
	writer       ExerciseWriter
	exerciseType models.ExerciseType
	level        string
}

var _ ExerciseGenerator = (*LLMExerciseGenerator)(nil)

// NewLLMExerciseGenerator creates a generator for exerciseType at the given level
func NewLLMExerciseGenerator(writer ExerciseWriter, exerciseType models.ExerciseType, level string) *LLMExerciseGenerator {
	return &LLMExerciseGenerator{writer: writer, exerciseType: exerciseType, level: level}
}

// Generate returns up to n exercises
func (g *LLMExerciseGenerator) Generate(ctx context.Context, language string, n int) ([]*models.Exercise, error) {
	payloads, err := g.writer.GenerateExercises(ctx, g.exerciseType, language, g.level, n)
	if err != nil {
		return nil, err
	}
	if len(payloads) > n {
		payloads = payloads[:n]
	}
	exercises := make([]*models.Exercise, 0, len(payloads))
	for _, p := range payloads {
		exercises = append(exercises, &models.Exercise{
			Type:     g.exerciseType,
			Language: language,
			Payload:  p,
		})
	}
	return exercises, nil
}

const (
	accentPrompt     = "Choose the correct stress"
	stressMark       = '\u0300'
	accentMinVowels  = 2
	accentMaxVowels  = 5
	accentFetchRatio = 4
)

var (
	bulgarianVowels = map[rune]bool{'а': true, 'е': true, 'и': true, 'о': true, 'у': true, 'ъ': true, 'ю': true, 'я': true}
	// dictionary labels for words not worth drilling
	accentSkipLabels = []string{"остар.", "спец."}
)

// AccentScraper builds accent_choice exercises from a dictionary page showing a random
// headword with its stress marked by a combining grave accent.
type AccentScraper struct {
	httpClient *http.Client
	sourceURL  string
	logger     *observability.Logger
	shuffle    func([]string)
}

var _ ExerciseGenerator = (*AccentScraper)(nil)

// NewAccentScraper creates a scraper for the configured dictionary URL
func NewAccentScraper(sourceURL string, logger *observability.Logger) *AccentScraper {
	return &AccentScraper{
		httpClient: &http.Client{
			Timeout:   config.ScraperHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		sourceURL: sourceURL,
		logger:    logger,
		shuffle: func(s []string) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		},
	}
}

// Generate fetches random dictionary entries until n usable words are found or the fetch
// budget runs out. Fewer than n results is not an error.
func (s *AccentScraper) Generate(ctx context.Context, language string, n int) (result0 []*models.Exercise, err error) {
	ctx, span := observability.TraceStockFunction(ctx, "scrape_accents",
		observability.AttributeLanguage(language),
		attribute.Int("exercises.requested", n),
	)
	defer observability.FinishSpan(span, &err)

	seen := make(map[string]bool)
	var exercises []*models.Exercise
	var lastErr error
	for i := 0; i < n*accentFetchRatio && len(exercises) < n; i++ {
		if err := ctx.Err(); err != nil {
			return exercises, contextutils.WrapErrorf(contextutils.ErrTimeout, "accent scraping interrupted: %v", err)
		}

		word, meaning, err := s.fetchEntry(ctx)
		if err != nil {
			lastErr = err
			s.logger.Warn(ctx, "Failed to fetch dictionary entry", map[string]interface{}{"error": err.Error()})
			continue
		}
		if seen[word] || !usableAccentEntry(word, meaning) {
			continue
		}
		seen[word] = true

		options := AccentOptions(word)
		if len(options) < 2 {
			continue
		}
		correct := options[0]
		s.shuffle(options)
		exercises = append(exercises, &models.Exercise{
			Type:     models.AccentChoice,
			Language: language,
			Payload: models.ExercisePayload{
				Prompt:         accentPrompt,
				Options:        options,
				CorrectAnswers: []string{correct},
				Explanation:    truncate(meaning, 200),
			},
		})
	}

	span.SetAttributes(attribute.Int("exercises.generated", len(exercises)))
	if len(exercises) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return exercises, nil
}

// fetchEntry returns the stressed headword and its first meaning
func (s *AccentScraper) fetchEntry(ctx context.Context) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sourceURL, nil)
	if err != nil {
		return "", "", contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "build dictionary request: %v", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "dictionary request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", "", contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "dictionary returned %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return "", "", contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "parse dictionary page: %v", err)
	}
	word, meaning := ParseDictionaryEntry(doc)
	if word == "" {
		return "", "", contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "dictionary page has no headword")
	}
	return word, meaning, nil
}

// ParseDictionaryEntry extracts the headword (first span of the first h2) and the text of
// the first div following that h2
func ParseDictionaryEntry(doc *html.Node) (word, meaning string) {
	h2 := findElement(doc, "h2")
	if h2 == nil {
		return "", ""
	}
	if span := findElement(h2, "span"); span != nil {
		word = strings.TrimSpace(textContent(span))
	}
	for sib := h2.NextSibling; sib != nil; sib = sib.NextSibling {
		if sib.Type == html.ElementNode && sib.Data == "div" {
			meaning = strings.Join(strings.Fields(textContent(sib)), " ")
			break
		}
	}
	return word, meaning
}

func findElement(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func usableAccentEntry(word, meaning string) bool {
	if stressIndex([]rune(norm.NFD.String(word))) < 0 {
		return false
	}
	vowels := len(vowelIndexes([]rune(norm.NFD.String(word))))
	if vowels < accentMinVowels || vowels > accentMaxVowels {
		return false
	}
	lower := strings.ToLower(meaning)
	for _, label := range accentSkipLabels {
		if strings.Contains(lower, label) {
			return false
		}
	}
	return true
}

// AccentOptions returns the correctly stressed word followed by one variant per other vowel.
// All options are NFC. It returns nil when the word carries no stress mark.
func AccentOptions(word string) []string {
	runes := []rune(norm.NFD.String(word))
	stressed := stressIndex(runes)
	if stressed < 0 {
		return nil
	}

	bare := make([]rune, 0, len(runes)-1)
	bare = append(bare, runes[:stressed+1]...)
	bare = append(bare, runes[stressed+2:]...)

	options := []string{norm.NFC.String(string(runes))}
	for _, v := range vowelIndexes(runes) {
		if v == stressed {
			continue
		}
		pos := v
		if v > stressed {
			pos = v - 1
		}
		variant := make([]rune, 0, len(runes))
		variant = append(variant, bare[:pos+1]...)
		variant = append(variant, stressMark)
		variant = append(variant, bare[pos+1:]...)
		options = append(options, norm.NFC.String(string(variant)))
	}
	return options
}

// stressIndex is the index of the vowel followed by the stress mark, or -1
func stressIndex(runes []rune) int {
	for i := 0; i < len(runes)-1; i++ {
		if bulgarianVowels[unicode.ToLower(runes[i])] && runes[i+1] == stressMark {
			return i
		}
	}
	return -1
}

func vowelIndexes(runes []rune) []int {
	var idx []int
	for i, r := range runes {
		if bulgarianVowels[unicode.ToLower(r)] {
			idx = append(idx, i)
		}
	}
	return idx
}
