package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"lingocore/internal/config"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/option"
)

// SpeechSynthesizer turns text into audio
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
	// Format is the file extension of the produced audio
	Format() string
}

// AudioStore persists audio and returns a reference to it
type AudioStore interface {
	Store(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// HTTPSpeechSynthesizer calls a JSON text-to-speech endpoint that answers with raw audio
type HTTPSpeechSynthesizer struct {
	httpClient *http.Client
	url        string
	apiKey     string
	voice      string
	format     string
}

var _ SpeechSynthesizer = (*HTTPSpeechSynthesizer)(nil)

// NewHTTPSpeechSynthesizer creates a synthesizer from config
func NewHTTPSpeechSynthesizer(cfg config.SpeechConfig) *HTTPSpeechSynthesizer {
	return &HTTPSpeechSynthesizer{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		voice:  cfg.Voice,
		format: cfg.Format,
	}
}

type speechRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice"`
	Format   string `json:"format"`
}

// Format returns the configured audio format
func (s *HTTPSpeechSynthesizer) Format() string {
	return s.format
}

// Synthesize returns the audio for text
func (s *HTTPSpeechSynthesizer) Synthesize(ctx context.Context, text, language string) (result0 []byte, err error) {
	ctx, span := observability.TraceMediaFunction(ctx, "synthesize",
		observability.AttributeLanguage(language),
		attribute.Int("text.length", len(text)),
	)
	defer observability.FinishSpan(span, &err)

	body, err := json.Marshal(speechRequest{Text: text, Language: language, Voice: s.voice, Format: s.format})
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "marshal speech request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "build speech request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "speech request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "read speech response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "speech endpoint returned %d: %s", resp.StatusCode, truncate(string(audio), 256))
	}
	if len(audio) == 0 {
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "speech endpoint returned no audio")
	}

	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))
	return audio, nil
}

// objectWriterFunc opens a writer for one object in a bucket
type objectWriterFunc func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// GCSAudioStore writes audio objects into a Cloud Storage bucket
type GCSAudioStore struct {
	client    *storage.Client
	newWriter objectWriterFunc
	bucket    string
	prefix    string
}

var _ AudioStore = (*GCSAudioStore)(nil)

// NewGCSAudioStore creates a store for the configured bucket. Credentials come from
// CredentialsFile or the environment's application default credentials.
func NewGCSAudioStore(ctx context.Context, cfg config.StorageConfig) (*GCSAudioStore, error) {
	if cfg.Bucket == "" {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "storage bucket is not configured")
	}

	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "failed to create storage client: %v", err)
	}

	return &GCSAudioStore{
		client: client,
		newWriter: func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
			w := client.Bucket(bucket).Object(object).NewWriter(ctx)
			w.ContentType = contentType
			return w
		},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Store uploads data and returns its gs:// reference
func (s *GCSAudioStore) Store(ctx context.Context, name string, data []byte, contentType string) (result0 string, err error) {
	object := path.Join(s.prefix, name)
	ctx, span := observability.TraceMediaFunction(ctx, "store_audio",
		attribute.String("storage.object", object),
		attribute.Int("audio.bytes", len(data)),
	)
	defer observability.FinishSpan(span, &err)

	w := s.newWriter(ctx, s.bucket, object, contentType)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "failed to write audio to GCS: %v", err)
	}
	if err := w.Close(); err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "failed to close GCS writer: %v", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// Close releases the storage client
func (s *GCSAudioStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// audioContentType maps a format extension onto a MIME type
func audioContentType(format string) string {
	switch strings.ToLower(format) {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "ogg", "opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
