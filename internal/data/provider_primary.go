package data

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultGoogleEndpoint          = "https://speech.googleapis.com"
	defaultGoogleLocation          = "global"
	defaultGoogleModel             = "long"
	defaultGoogleSyncMaxBytes      = 1 << 20
	defaultGoogleBatchPollInterval = 5 * time.Second

	// googleSyncMaxSeconds recognize 接口单次音频上限
	googleSyncMaxSeconds = 60
	googleMinSpeakers    = 1
	googleMaxSpeakers    = 6

	stagingCleanupTimeout = 30 * time.Second
)

// googleRetryableCodes 长任务失败时可重试的 google.rpc.Code
var googleRetryableCodes = map[int]bool{
	4:  true, // DEADLINE_EXCEEDED
	8:  true, // RESOURCE_EXHAUSTED
	10: true, // ABORTED
	13: true, // INTERNAL
	14: true, // UNAVAILABLE
}

// googleSTTProvider Google Speech-to-Text v2
// 短音频走同步 recognize，超过 60 秒的音频暂存到 GCS 后走 batchRecognize 并轮询长任务
type googleSTTProvider struct {
	cfg          conf.Providers_Primary
	syncMaxBytes int64
	pollInterval time.Duration
	client       *http.Client
	storage      biz.AudioStorage
	stager       audioStager
	matrix       *biz.CapabilityMatrix
	log          *log.Helper
}

func newGoogleSTTProvider(c *conf.Providers_Primary, storage biz.AudioStorage, matrix *biz.CapabilityMatrix, logger log.Logger) *googleSTTProvider {
	cfg := *c
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Location == "" {
		cfg.Location = defaultGoogleLocation
	}
	if cfg.Model == "" {
		cfg.Model = defaultGoogleModel
	}
	p := &googleSTTProvider{
		cfg:          cfg,
		syncMaxBytes: defaultGoogleSyncMaxBytes,
		pollInterval: defaultGoogleBatchPollInterval,
		client:       &http.Client{},
		storage:      storage,
		matrix:       matrix,
		log:          log.NewHelper(logger),
	}
	if cfg.SyncMaxBytes > 0 {
		p.syncMaxBytes = cfg.SyncMaxBytes
	}
	if d := cfg.BatchPollInterval.AsDuration(); d > 0 {
		p.pollInterval = d
	}
	if st := newGCSStager(cfg.Staging); st != nil {
		p.stager = st
	} else {
		p.log.Warn("google stt staging bucket not configured, audio over 60s falls back to the secondary provider")
	}
	return p
}

func (p *googleSTTProvider) Name() string { return biz.ProviderGoogleSTT }

func (p *googleSTTProvider) Supports(language, region string) bool {
	return p.matrix.SupportsDiarization(biz.ProviderGoogleSTT, language, region)
}

type googleRecognizeRequest struct {
	Config  googleRecognitionConfig `json:"config"`
	Content string                  `json:"content"`
}

type googleBatchRecognizeRequest struct {
	Config                  googleRecognitionConfig `json:"config"`
	Files                   []googleBatchFile       `json:"files"`
	RecognitionOutputConfig struct {
		InlineResponseConfig struct{} `json:"inlineResponseConfig"`
	} `json:"recognitionOutputConfig"`
}

type googleBatchFile struct {
	URI string `json:"uri"`
}

type googleRecognitionConfig struct {
	AutoDecodingConfig struct{}                  `json:"autoDecodingConfig"`
	LanguageCodes      []string                  `json:"languageCodes"`
	Model              string                    `json:"model"`
	Features           googleRecognitionFeatures `json:"features"`
}

type googleRecognitionFeatures struct {
	EnableWordTimeOffsets bool                     `json:"enableWordTimeOffsets,omitempty"`
	DiarizationConfig     *googleDiarizationConfig `json:"diarizationConfig,omitempty"`
}

type googleDiarizationConfig struct {
	MinSpeakerCount int `json:"minSpeakerCount"`
	MaxSpeakerCount int `json:"maxSpeakerCount"`
}

type googleRecognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				StartOffset  string `json:"startOffset"`
				EndOffset    string `json:"endOffset"`
				Word         string `json:"word"`
				SpeakerLabel string `json:"speakerLabel"`
			} `json:"words"`
		} `json:"alternatives"`
		ResultEndOffset string `json:"resultEndOffset"`
		LanguageCode    string `json:"languageCode"`
	} `json:"results"`
	Metadata struct {
		TotalBilledDuration string `json:"totalBilledDuration"`
	} `json:"metadata"`
}

// googleOperation batchRecognize 返回的长任务
type googleOperation struct {
	Name     string        `json:"name"`
	Done     bool          `json:"done"`
	Error    *googleStatus `json:"error"`
	Response *struct {
		Results map[string]struct {
			Error        *googleStatus `json:"error"`
			InlineResult *struct {
				Transcript googleRecognizeResponse `json:"transcript"`
			} `json:"inlineResult"`
		} `json:"results"`
	} `json:"response"`
}

type googleStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *googleSTTProvider) Transcribe(ctx context.Context, req *biz.TranscribeRequest) (*biz.TranscriptResult, error) {
	if strings.HasPrefix(req.AudioRef, "gs://") {
		return p.batchRecognize(ctx, req, req.AudioRef)
	}

	audio, err := readAudio(ctx, p.storage, p.Name(), req.AudioRef)
	if err != nil {
		return nil, err
	}
	if p.fitsSync(req.DurationSeconds, len(audio)) {
		return p.recognize(ctx, req, audio)
	}
	if p.stager == nil {
		return nil, &biz.ProviderTransientError{Provider: p.Name(), Err: fmt.Errorf("audio %s exceeds sync recognize limits and no staging bucket is configured", req.AudioRef)}
	}

	uri, err := p.stager.Stage(ctx, req.SessionID+"/"+path.Base(req.AudioRef), audio)
	if err != nil {
		return nil, &biz.ProviderTransientError{Provider: p.Name(), Err: fmt.Errorf("stage audio %s: %w", req.AudioRef, err)}
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stagingCleanupTimeout)
		defer cancel()
		if err := p.stager.Remove(cleanupCtx, uri); err != nil {
			p.log.Warnf("remove staged audio failed: uri=%s, error=%v", uri, err)
		}
	}()
	return p.batchRecognize(ctx, req, uri)
}

// fitsSync 已知时长按 60 秒判断，否则按字节数判断
func (p *googleSTTProvider) fitsSync(durationSeconds float64, size int) bool {
	if durationSeconds > 0 {
		return durationSeconds <= googleSyncMaxSeconds
	}
	return int64(size) <= p.syncMaxBytes
}

func (p *googleSTTProvider) recognize(ctx context.Context, req *biz.TranscribeRequest, audio []byte) (*biz.TranscriptResult, error) {
	body := googleRecognizeRequest{
		Config:  p.recognitionConfig(req),
		Content: base64.StdEncoding.EncodeToString(audio),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &biz.ProviderPermanentError{Provider: p.Name(), Err: err}
	}

	var out googleRecognizeResponse
	if err := p.do(ctx, http.MethodPost, p.recognizerURL(req.Region, "recognize"), payload, &out); err != nil {
		return nil, err
	}
	result := p.normalize(&out, req)
	p.log.Debugf("google stt finished: session=%s segments=%d duration=%.3fs diarization=%v",
		req.SessionID, len(result.Segments), result.DurationSeconds, req.Diarization)
	return result, nil
}

func (p *googleSTTProvider) batchRecognize(ctx context.Context, req *biz.TranscribeRequest, uri string) (*biz.TranscriptResult, error) {
	body := googleBatchRecognizeRequest{
		Config: p.recognitionConfig(req),
		Files:  []googleBatchFile{{URI: uri}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &biz.ProviderPermanentError{Provider: p.Name(), Err: err}
	}

	var op googleOperation
	if err := p.do(ctx, http.MethodPost, p.recognizerURL(req.Region, "batchRecognize"), payload, &op); err != nil {
		return nil, err
	}
	p.log.Debugf("google stt batch submitted: session=%s operation=%s", req.SessionID, op.Name)

	host := p.host(p.location(req.Region))
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		name := op.Name
		op = googleOperation{}
		if err := p.do(ctx, http.MethodGet, p.withKey(host+"/v2/"+name), nil, &op); err != nil {
			return nil, err
		}
		if op.Name == "" {
			op.Name = name
		}
	}

	if op.Error != nil {
		return nil, p.statusError(op.Name, op.Error)
	}
	if op.Response == nil {
		return nil, &biz.ProviderTransientError{Provider: p.Name(), Err: fmt.Errorf("operation %s finished without response", op.Name)}
	}
	file, ok := op.Response.Results[uri]
	if !ok {
		return nil, &biz.ProviderPermanentError{Provider: p.Name(), Err: fmt.Errorf("operation %s has no result for %s", op.Name, uri)}
	}
	if file.Error != nil && file.Error.Code != 0 {
		return nil, p.statusError(op.Name, file.Error)
	}
	if file.InlineResult == nil {
		return nil, &biz.ProviderPermanentError{Provider: p.Name(), Err: fmt.Errorf("operation %s returned no inline transcript", op.Name)}
	}

	result := p.normalize(&file.InlineResult.Transcript, req)
	p.log.Debugf("google stt batch finished: session=%s operation=%s segments=%d duration=%.3fs",
		req.SessionID, op.Name, len(result.Segments), result.DurationSeconds)
	return result, nil
}

func (p *googleSTTProvider) statusError(operation string, s *googleStatus) error {
	err := fmt.Errorf("operation %s: code %d: %s", operation, s.Code, s.Message)
	if googleRetryableCodes[s.Code] {
		return &biz.ProviderTransientError{Provider: p.Name(), Err: err}
	}
	return &biz.ProviderPermanentError{Provider: p.Name(), Err: err}
}

func (p *googleSTTProvider) recognitionConfig(req *biz.TranscribeRequest) googleRecognitionConfig {
	var c googleRecognitionConfig
	c.LanguageCodes = []string{req.Language}
	c.Model = p.cfg.Model
	if req.Diarization {
		c.Features.EnableWordTimeOffsets = true
		c.Features.DiarizationConfig = &googleDiarizationConfig{
			MinSpeakerCount: googleMinSpeakers,
			MaxSpeakerCount: googleMaxSpeakers,
		}
	}
	return c
}

func (p *googleSTTProvider) do(ctx context.Context, method, u string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &biz.ProviderPermanentError{Provider: p.Name(), Err: fmt.Errorf("create request: %w", err)}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return classifyTransportError(ctx, p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(p.Name(), resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &biz.ProviderTransientError{Provider: p.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (p *googleSTTProvider) location(region string) string {
	if region != "" {
		return region
	}
	return p.cfg.Location
}

// host 非 global 的 location 只接受对应区域域名的请求
func (p *googleSTTProvider) host(location string) string {
	if p.cfg.Endpoint != "" {
		return p.cfg.Endpoint
	}
	if location == defaultGoogleLocation {
		return defaultGoogleEndpoint
	}
	return fmt.Sprintf("https://%s-speech.googleapis.com", location)
}

func (p *googleSTTProvider) recognizerURL(region, method string) string {
	location := p.location(region)
	return p.withKey(fmt.Sprintf("%s/v2/projects/%s/locations/%s/recognizers/_:%s",
		p.host(location), url.PathEscape(p.cfg.ProjectId), url.PathEscape(location), method))
}

func (p *googleSTTProvider) withKey(u string) string {
	if p.cfg.ApiKey == "" {
		return u
	}
	return u + "?key=" + url.QueryEscape(p.cfg.ApiKey)
}

// normalize 分离模式按说话人连续的词合并片段，否则每个 result 一个片段
func (p *googleSTTProvider) normalize(out *googleRecognizeResponse, req *biz.TranscribeRequest) *biz.TranscriptResult {
	result := &biz.TranscriptResult{Language: req.Language}
	var cursor float64
	for _, r := range out.Results {
		if r.LanguageCode != "" {
			result.Language = r.LanguageCode
		}
		end := parseOffset(r.ResultEndOffset)
		if len(r.Alternatives) == 0 {
			cursor = end
			continue
		}
		alt := r.Alternatives[0]

		if req.Diarization && len(alt.Words) > 0 {
			var cur *biz.TranscriptSegment
			for _, w := range alt.Words {
				start, wordEnd := parseOffset(w.StartOffset), parseOffset(w.EndOffset)
				if cur != nil && cur.Speaker == w.SpeakerLabel {
					cur.Text += " " + w.Word
					cur.EndSec = wordEnd
					continue
				}
				if cur != nil {
					result.Segments = append(result.Segments, *cur)
				}
				cur = &biz.TranscriptSegment{StartSec: start, EndSec: wordEnd, Text: w.Word, Speaker: w.SpeakerLabel}
			}
			if cur != nil {
				result.Segments = append(result.Segments, *cur)
			}
		} else if text := strings.TrimSpace(alt.Transcript); text != "" {
			result.Segments = append(result.Segments, biz.TranscriptSegment{StartSec: cursor, EndSec: end, Text: text})
		}
		if end > cursor {
			cursor = end
		}
	}
	for i := range result.Segments {
		result.Segments[i].Seq = i
	}

	result.DurationSeconds = parseOffset(out.Metadata.TotalBilledDuration)
	if result.DurationSeconds == 0 {
		result.DurationSeconds = cursor
	}
	return result
}

// parseOffset "1.200s" -> 1.2
func parseOffset(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d.Seconds()
}
