package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAudioDir(t *testing.T) biz.AudioStorage {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sessions"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sessions", "a.wav"), []byte("RIFF....WAVE"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sessions", "empty.wav"), nil, 0o644))
	storage, err := NewAudioStorage(&conf.Bootstrap{Storage: &conf.Storage{Driver: "local", LocalRoot: root}}, testLogger)
	require.NoError(t, err)
	return storage
}

func TestLocalAudioStorage(t *testing.T) {
	storage := newAudioDir(t)
	ctx := context.Background()

	ok, err := storage.Exists(ctx, "sessions/a.wav")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = storage.Exists(ctx, "file://sessions/a.wav")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = storage.Exists(ctx, "sessions/missing.wav")
	require.NoError(t, err)
	assert.False(t, ok)

	// 相对路径不能跳出存储根目录
	ok, err = storage.Exists(ctx, "../../../etc/passwd")
	require.NoError(t, err)
	assert.False(t, ok)

	rc, err := storage.Open(ctx, "sessions/a.wav")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "RIFF....WAVE", string(body))

	_, err = storage.Open(ctx, "sessions/missing.wav")
	assert.ErrorIs(t, err, biz.ErrAudioNotFound)
}

func TestNewAudioStorage_Config(t *testing.T) {
	_, err := NewAudioStorage(&conf.Bootstrap{}, testLogger)
	assert.Error(t, err)
	_, err = NewAudioStorage(&conf.Bootstrap{Storage: &conf.Storage{Driver: "ftp"}}, testLogger)
	assert.Error(t, err)
	_, err = NewAudioStorage(&conf.Bootstrap{Storage: &conf.Storage{Driver: "s3", S3: &conf.Storage_S3{}}}, testLogger)
	assert.Error(t, err)
}

func TestS3ObjectKey(t *testing.T) {
	s := &s3AudioStorage{bucket: "audio"}
	assert.Equal(t, "sessions/a.wav", s.objectKey("s3://audio/sessions/a.wav"))
	assert.Equal(t, "sessions/a.wav", s.objectKey("sessions/a.wav"))
	assert.Equal(t, "sessions/a.wav", s.objectKey("/sessions/a.wav"))
}

func TestNewProviderRegistry(t *testing.T) {
	matrix := biz.NewCapabilityMatrix()
	registry := NewProviderRegistry(&conf.Bootstrap{Providers: &conf.Providers{
		Primary:   &conf.Providers_Primary{Enabled: true},
		Secondary: &conf.Providers_Secondary{Enabled: false},
	}}, nil, matrix, testLogger)
	require.NotNil(t, registry.Primary)
	assert.Equal(t, biz.ProviderGoogleSTT, registry.Primary.Name())
	assert.Nil(t, registry.Secondary)

	empty := NewProviderRegistry(&conf.Bootstrap{}, nil, matrix, testLogger)
	assert.Nil(t, empty.Primary)
	assert.Nil(t, empty.Secondary)
}

func TestGoogleSTT_DiarizedRecognize(t *testing.T) {
	var captured googleRecognizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/projects/proj/locations/us-central1/recognizers/_:recognize", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"results": [{
				"alternatives": [{
					"transcript": "hello there hi",
					"words": [
						{"startOffset": "0s", "endOffset": "0.400s", "word": "hello", "speakerLabel": "1"},
						{"startOffset": "0.400s", "endOffset": "0.800s", "word": "there", "speakerLabel": "1"},
						{"startOffset": "1.200s", "endOffset": "1.500s", "word": "hi", "speakerLabel": "2"}
					]
				}],
				"resultEndOffset": "1.500s",
				"languageCode": "en-us"
			}],
			"metadata": {"totalBilledDuration": "12s"}
		}`)
	}))
	defer srv.Close()

	p := newGoogleSTTProvider(&conf.Providers_Primary{Endpoint: srv.URL, ApiKey: "secret", ProjectId: "proj"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
	result, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{
		SessionID: "s-1", AudioRef: "sessions/a.wav", Language: "en", Region: "us-central1", Diarization: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"en"}, captured.Config.LanguageCodes)
	assert.Equal(t, defaultGoogleModel, captured.Config.Model)
	require.NotNil(t, captured.Config.Features.DiarizationConfig)
	assert.Equal(t, googleMaxSpeakers, captured.Config.Features.DiarizationConfig.MaxSpeakerCount)
	assert.NotEmpty(t, captured.Content)

	require.Len(t, result.Segments, 2)
	assert.Equal(t, "hello there", result.Segments[0].Text)
	assert.Equal(t, "1", result.Segments[0].Speaker)
	assert.InDelta(t, 0.8, result.Segments[0].EndSec, 1e-9)
	assert.Equal(t, "hi", result.Segments[1].Text)
	assert.Equal(t, 1, result.Segments[1].Seq)
	assert.InDelta(t, 12, result.DurationSeconds, 1e-9)
	assert.Equal(t, "en-us", result.Language)
}

func TestGoogleSTT_PlainRecognize(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/locations/global/")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		io.WriteString(w, `{"results": [
			{"alternatives": [{"transcript": " first part "}], "resultEndOffset": "5s"},
			{"alternatives": [{"transcript": "second part"}], "resultEndOffset": "9.500s"}
		]}`)
	}))
	defer srv.Close()

	p := newGoogleSTTProvider(&conf.Providers_Primary{Endpoint: srv.URL, ProjectId: "proj"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
	result, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "ja"})
	require.NoError(t, err)

	features := captured["config"].(map[string]interface{})["features"].(map[string]interface{})
	assert.NotContains(t, features, "diarizationConfig")

	require.Len(t, result.Segments, 2)
	assert.Equal(t, "first part", result.Segments[0].Text)
	assert.Empty(t, result.Segments[0].Speaker)
	assert.InDelta(t, 5, result.Segments[1].StartSec, 1e-9)
	assert.InDelta(t, 9.5, result.Segments[1].EndSec, 1e-9)
	assert.InDelta(t, 9.5, result.DurationSeconds, 1e-9)
	assert.Equal(t, "ja", result.Language)
}

func TestGoogleSTT_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error": {"message": "nope"}}`)
			}))
			defer srv.Close()

			p := newGoogleSTTProvider(&conf.Providers_Primary{Endpoint: srv.URL, ProjectId: "proj"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
			_, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "en"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, biz.IsTransient(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestGoogleSTT_AudioErrorsArePermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	p := newGoogleSTTProvider(&conf.Providers_Primary{Endpoint: srv.URL, ProjectId: "proj"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
	for _, ref := range []string{"sessions/missing.wav", "sessions/empty.wav"} {
		_, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: ref, Language: "en"})
		var permanent *biz.ProviderPermanentError
		assert.ErrorAs(t, err, &permanent, ref)
	}
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestGoogleSTT_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	p := newGoogleSTTProvider(&conf.Providers_Primary{Endpoint: srv.URL, ProjectId: "proj"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
	_, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "en"})
	assert.True(t, biz.IsTransient(err))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// redirectClient 记录请求的原始 host 后转发到测试服务器
func redirectClient(t *testing.T, srv *httptest.Server, hosts *[]string) *http.Client {
	t.Helper()
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	var mu sync.Mutex
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		*hosts = append(*hosts, r.URL.Host)
		mu.Unlock()
		out := r.Clone(r.Context())
		out.URL.Scheme = target.Scheme
		out.URL.Host = target.Host
		out.Host = target.Host
		return http.DefaultTransport.RoundTrip(out)
	})}
}

func TestGoogleSTT_RegionalHost(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		io.WriteString(w, `{"results": [{"alternatives": [{"transcript": "hi"}], "resultEndOffset": "1s"}]}`)
	}))
	defer srv.Close()

	p := newGoogleSTTProvider(&conf.Providers_Primary{ProjectId: "proj"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
	var hosts []string
	p.client = redirectClient(t, srv, &hosts)

	_, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "en", Region: "asia-southeast1"})
	require.NoError(t, err)
	_, err = p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "en"})
	require.NoError(t, err)

	assert.Equal(t, []string{"asia-southeast1-speech.googleapis.com", "speech.googleapis.com"}, hosts)
	assert.Equal(t, []string{
		"/v2/projects/proj/locations/asia-southeast1/recognizers/_:recognize",
		"/v2/projects/proj/locations/global/recognizers/_:recognize",
	}, paths)

	regional := newGoogleSTTProvider(&conf.Providers_Primary{ProjectId: "proj", Location: "europe-west4"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
	assert.True(t, strings.HasPrefix(regional.recognizerURL("", "batchRecognize"),
		"https://europe-west4-speech.googleapis.com/v2/projects/proj/locations/europe-west4/recognizers/_:batchRecognize"))
}

// memStager 内存暂存桶
type memStager struct {
	mu      sync.Mutex
	staged  []string
	removed []string
}

func (m *memStager) Stage(ctx context.Context, name string, audio []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uri := "gs://stage/" + name
	m.staged = append(m.staged, uri)
	return uri, nil
}

func (m *memStager) Remove(ctx context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, uri)
	return nil
}

func TestGoogleSTT_LongAudioUsesBatchRecognize(t *testing.T) {
	const uri = "gs://stage/s-1/a.wav"
	var polls int32
	var submitted googleBatchRecognizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			assert.Equal(t, "/v2/projects/proj/locations/global/recognizers/_:batchRecognize", r.URL.Path)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			io.WriteString(w, `{"name": "projects/proj/locations/global/operations/op-1"}`)
		case r.URL.Path == "/v2/projects/proj/locations/global/operations/op-1":
			if atomic.AddInt32(&polls, 1) < 2 {
				io.WriteString(w, `{"name": "projects/proj/locations/global/operations/op-1", "done": false}`)
				return
			}
			io.WriteString(w, `{
				"name": "projects/proj/locations/global/operations/op-1",
				"done": true,
				"response": {"results": {"`+uri+`": {"inlineResult": {"transcript": {
					"results": [
						{"alternatives": [{"transcript": "opening"}], "resultEndOffset": "1800s"},
						{"alternatives": [{"transcript": "closing"}], "resultEndOffset": "3590s"}
					],
					"metadata": {"totalBilledDuration": "3600s"}
				}}}}}
			}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newGoogleSTTProvider(&conf.Providers_Primary{
		Endpoint:          srv.URL,
		ProjectId:         "proj",
		BatchPollInterval: &conf.Duration{Duration: 5 * time.Millisecond},
	}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
	stager := &memStager{}
	p.stager = stager

	result, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{
		SessionID: "s-1", AudioRef: "sessions/a.wav", Language: "en", DurationSeconds: 3600,
	})
	require.NoError(t, err)

	require.Len(t, submitted.Files, 1)
	assert.Equal(t, uri, submitted.Files[0].URI)
	assert.Equal(t, []string{"en"}, submitted.Config.LanguageCodes)
	assert.Equal(t, int32(2), atomic.LoadInt32(&polls))
	require.Len(t, result.Segments, 2)
	assert.Equal(t, "closing", result.Segments[1].Text)
	assert.InDelta(t, 3600, result.DurationSeconds, 1e-9)
	assert.Equal(t, []string{uri}, stager.staged)
	assert.Equal(t, []string{uri}, stager.removed)
}

func TestGoogleSTT_BatchOperationErrors(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
	}{
		{14, true},
		{8, true},
		{3, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("code_%d", tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"name": "operations/op-1", "done": true, "error": {"code": %d, "message": "batch failed"}}`, tt.code)
			}))
			defer srv.Close()

			p := newGoogleSTTProvider(&conf.Providers_Primary{Endpoint: srv.URL, ProjectId: "proj"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
			_, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "gs://uploads/long.flac", Language: "en"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, biz.IsTransient(err))
			assert.Contains(t, err.Error(), "batch failed")
		})
	}
}

func TestGoogleSTT_LongAudioWithoutStagingIsTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	p := newGoogleSTTProvider(&conf.Providers_Primary{Endpoint: srv.URL, ProjectId: "proj"}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
	require.Nil(t, p.stager)
	_, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "en", DurationSeconds: 61})
	assert.True(t, biz.IsTransient(err))
	assert.Zero(t, atomic.LoadInt32(&calls))

	p.syncMaxBytes = 4
	_, err = p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "en"})
	assert.True(t, biz.IsTransient(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestGCSStager(t *testing.T) {
	assert.Nil(t, newGCSStager(nil))
	assert.Nil(t, newGCSStager(&conf.Providers_Primary_Staging{}))

	s := newGCSStager(&conf.Providers_Primary_Staging{Bucket: "stage", Prefix: "/tmp/"})
	require.NotNil(t, s)
	assert.Equal(t, "tmp/s-1/a.wav", s.key("s-1/a.wav"))
	assert.Error(t, s.Remove(context.Background(), "gs://other/tmp/s-1/a.wav"))
}

func newAssemblyAIServer(t *testing.T, final string) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/upload":
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "RIFF....WAVE", string(body))
			io.WriteString(w, `{"upload_url": "https://cdn.example/upload/1"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transcript":
			var submit map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&submit))
			assert.Equal(t, "https://cdn.example/upload/1", submit["audio_url"])
			assert.Equal(t, true, submit["speaker_labels"])
			io.WriteString(w, `{"id": "t-1", "status": "queued"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v2/transcript/t-1":
			if atomic.AddInt32(&polls, 1) < 2 {
				io.WriteString(w, `{"id": "t-1", "status": "processing"}`)
				return
			}
			io.WriteString(w, final)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestAssemblyAI(t *testing.T, endpoint string) *assemblyAIProvider {
	return newAssemblyAIProvider(&conf.Providers_Secondary{
		Endpoint:     endpoint + "/",
		ApiKey:       "key",
		PollInterval: conf.NewDuration(5 * time.Millisecond),
	}, newAudioDir(t), biz.NewCapabilityMatrix(), testLogger)
}

func TestAssemblyAI_PollsUntilCompleted(t *testing.T) {
	srv, polls := newAssemblyAIServer(t, `{
		"id": "t-1", "status": "completed", "language_code": "en_us", "audio_duration": 42.5,
		"utterances": [
			{"speaker": "A", "start": 0, "end": 1500, "text": "How are you?"},
			{"speaker": "B", "start": 1600, "end": 2800, "text": "Good."}
		]
	}`)
	p := newTestAssemblyAI(t, srv.URL)

	result, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{SessionID: "s-1", AudioRef: "sessions/a.wav", Language: "en", Diarization: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(polls))

	require.Len(t, result.Segments, 2)
	assert.Equal(t, "A", result.Segments[0].Speaker)
	assert.InDelta(t, 1.5, result.Segments[0].EndSec, 1e-9)
	assert.InDelta(t, 1.6, result.Segments[1].StartSec, 1e-9)
	assert.InDelta(t, 42.5, result.DurationSeconds, 1e-9)
	assert.Equal(t, "en_us", result.Language)
}

func TestAssemblyAI_ErrorStatusIsPermanent(t *testing.T) {
	srv, _ := newAssemblyAIServer(t, `{"id": "t-1", "status": "error", "error": "audio too short"}`)
	p := newTestAssemblyAI(t, srv.URL)

	_, err := p.Transcribe(context.Background(), &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "en", Diarization: true})
	var permanent *biz.ProviderPermanentError
	require.ErrorAs(t, err, &permanent)
	assert.Contains(t, err.Error(), "audio too short")
}

func TestAssemblyAI_DeadlineWhilePolling(t *testing.T) {
	srv, _ := newAssemblyAIServer(t, `{"id": "t-1", "status": "processing"}`)
	p := newTestAssemblyAI(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Transcribe(ctx, &biz.TranscribeRequest{AudioRef: "sessions/a.wav", Language: "en", Diarization: true})
	require.Error(t, err)
	assert.True(t, biz.IsTransient(err))
}

func TestAssemblyAI_PlainTextWithoutUtterances(t *testing.T) {
	p := newTestAssemblyAI(t, "http://unused")
	result := p.normalize(&assemblyAITranscript{Text: " whole text ", AudioDuration: 10}, &biz.TranscribeRequest{Language: "de"})
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "whole text", result.Segments[0].Text)
	assert.InDelta(t, 10, result.Segments[0].EndSec, 1e-9)
	assert.Equal(t, "de", result.Language)
}
