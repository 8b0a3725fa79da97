package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultAssemblyAIEndpoint     = "https://api.assemblyai.com"
	defaultAssemblyAIModel        = "best"
	defaultAssemblyAIPollInterval = 3 * time.Second
)

// assemblyAIProvider AssemblyAI 异步转写：上传 -> 提交 -> 轮询
type assemblyAIProvider struct {
	cfg          conf.Providers_Secondary
	pollInterval time.Duration
	client       *http.Client
	storage      biz.AudioStorage
	matrix       *biz.CapabilityMatrix
	log          *log.Helper
}

func newAssemblyAIProvider(c *conf.Providers_Secondary, storage biz.AudioStorage, matrix *biz.CapabilityMatrix, logger log.Logger) *assemblyAIProvider {
	cfg := *c
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultAssemblyAIEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = defaultAssemblyAIModel
	}
	interval := defaultAssemblyAIPollInterval
	if d := cfg.PollInterval.AsDuration(); d > 0 {
		interval = d
	}
	return &assemblyAIProvider{
		cfg:          cfg,
		pollInterval: interval,
		client:       &http.Client{},
		storage:      storage,
		matrix:       matrix,
		log:          log.NewHelper(logger),
	}
}

func (p *assemblyAIProvider) Name() string { return biz.ProviderAssemblyAI }

func (p *assemblyAIProvider) Supports(language, region string) bool {
	return p.matrix.SupportsDiarization(biz.ProviderAssemblyAI, language, region)
}

type assemblyAITranscript struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Error         string  `json:"error"`
	Text          string  `json:"text"`
	LanguageCode  string  `json:"language_code"`
	AudioDuration float64 `json:"audio_duration"`
	Utterances    []struct {
		Speaker string `json:"speaker"`
		Start   int64  `json:"start"`
		End     int64  `json:"end"`
		Text    string `json:"text"`
	} `json:"utterances"`
}

func (p *assemblyAIProvider) Transcribe(ctx context.Context, req *biz.TranscribeRequest) (*biz.TranscriptResult, error) {
	audio, err := readAudio(ctx, p.storage, p.Name(), req.AudioRef)
	if err != nil {
		return nil, err
	}

	var upload struct {
		UploadURL string `json:"upload_url"`
	}
	if err := p.do(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", audio, &upload); err != nil {
		return nil, err
	}

	submit := map[string]interface{}{
		"audio_url":      upload.UploadURL,
		"language_code":  req.Language,
		"speaker_labels": req.Diarization,
		"speech_model":   p.cfg.Model,
	}
	payload, err := json.Marshal(submit)
	if err != nil {
		return nil, &biz.ProviderPermanentError{Provider: p.Name(), Err: err}
	}
	var transcript assemblyAITranscript
	if err := p.do(ctx, http.MethodPost, "/v2/transcript", "application/json", payload, &transcript); err != nil {
		return nil, err
	}
	p.log.Debugf("assemblyai transcript submitted: session=%s id=%s", req.SessionID, transcript.ID)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		switch transcript.Status {
		case "completed":
			return p.normalize(&transcript, req), nil
		case "error":
			return nil, &biz.ProviderPermanentError{Provider: p.Name(), Err: fmt.Errorf("transcript %s: %s", transcript.ID, transcript.Error)}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		id := transcript.ID
		transcript = assemblyAITranscript{}
		if err := p.do(ctx, http.MethodGet, "/v2/transcript/"+id, "", nil, &transcript); err != nil {
			return nil, err
		}
		if transcript.ID == "" {
			transcript.ID = id
		}
	}
}

func (p *assemblyAIProvider) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.cfg.Endpoint+path, reader)
	if err != nil {
		return &biz.ProviderPermanentError{Provider: p.Name(), Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("authorization", p.cfg.ApiKey)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return classifyTransportError(ctx, p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyResponse(p.Name(), resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &biz.ProviderTransientError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// normalize 毫秒转秒，无 utterances 时整段文本作为一个片段
func (p *assemblyAIProvider) normalize(t *assemblyAITranscript, req *biz.TranscribeRequest) *biz.TranscriptResult {
	result := &biz.TranscriptResult{
		DurationSeconds: t.AudioDuration,
		Language:        req.Language,
	}
	if t.LanguageCode != "" {
		result.Language = t.LanguageCode
	}

	if len(t.Utterances) > 0 {
		for i, u := range t.Utterances {
			speaker := ""
			if req.Diarization {
				speaker = u.Speaker
			}
			result.Segments = append(result.Segments, biz.TranscriptSegment{
				Seq:      i,
				StartSec: float64(u.Start) / 1000,
				EndSec:   float64(u.End) / 1000,
				Text:     u.Text,
				Speaker:  speaker,
			})
		}
	} else if text := strings.TrimSpace(t.Text); text != "" {
		result.Segments = []biz.TranscriptSegment{{Seq: 0, StartSec: 0, EndSec: t.AudioDuration, Text: text}}
	}
	return result
}
