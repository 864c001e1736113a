package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/chatline/chatline-be/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type fakeProvider struct {
	data        []byte
	contentType string
	downloadErr error
	fetched     *domain.InboundEvent
	fetchErr    error
	downloads   int
	fetches     int
}

func (f *fakeProvider) Download(ctx context.Context, mediaID string) ([]byte, string, error) {
	f.downloads++
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	return f.data, f.contentType, nil
}

func (f *fakeProvider) FetchMessage(ctx context.Context, messageID string) (*domain.InboundEvent, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetched, nil
}

type fakeBlobs struct {
	uploads map[string][]byte
	err     error
}

func (f *fakeBlobs) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[objectName] = data
	return "https://media.test/" + objectName, nil
}

type fakeTranscriber struct {
	text     string
	failures int // fail this many calls before succeeding
	calls    int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", domain.NewTransientError(errors.New("transcription service unavailable"))
	}
	return f.text, nil
}

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) Extract(ctx context.Context, doc []byte, filename string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeMessages struct {
	mu      sync.Mutex
	byExtID map[string]*domain.Message
	err     error
	upserts int
}

func (f *fakeMessages) Upsert(ctx context.Context, msg *domain.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.err != nil {
		return false, f.err
	}
	if f.byExtID == nil {
		f.byExtID = map[string]*domain.Message{}
	}
	if existing, ok := f.byExtID[msg.ExternalID]; ok {
		if existing.MediaURL == nil {
			existing.MediaURL = msg.MediaURL
		}
		if existing.ExtractedContent == nil {
			existing.ExtractedContent = msg.ExtractedContent
		}
		return false, nil
	}
	cp := *msg
	f.byExtID[msg.ExternalID] = &cp
	return true, nil
}

func (f *fakeMessages) GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.byExtID[externalID]; ok {
		return msg, nil
	}
	return nil, errors.New("not found")
}

// ---- helpers ----

func fastPolicies() Policies {
	fast := func(attempts int) retry.Policy {
		return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	}
	return Policies{
		MediaTransfer: fast(3),
		Transcription: fast(5),
		Extraction:    fast(3),
		Persistence:   fast(3),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventPayload(t *testing.T, event *domain.InboundEvent) string {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return string(raw)
}

func newTestProcessor(provider *fakeProvider, blobs *fakeBlobs, tr *fakeTranscriber, ex *fakeExtractor, store *fakeMessages) *Processor {
	return NewProcessor(&Config{
		Provider:         provider,
		Blobs:            blobs,
		Transcriber:      tr,
		Extractor:        ex,
		Messages:         store,
		Policies:         fastPolicies(),
		MaxDocumentBytes: 10 << 20,
		Logger:           testLogger(),
	})
}

func textJob(t *testing.T, externalID, body string) *domain.Job {
	return &domain.Job{
		JobID:       "job-" + externalID,
		ExternalID:  externalID,
		ContentType: domain.ContentTypeText,
		Payload: eventPayload(t, &domain.InboundEvent{
			ID:        externalID,
			Type:      "text",
			ChatID:    "4915200000001@s.whatsapp.net",
			Timestamp: 1735689600,
			Text:      &domain.TextContent{Body: body},
		}),
		MaxAttempts: 3,
	}
}

// ---- tests ----

func TestProcessTextPersistsOnce(t *testing.T) {
	store := &fakeMessages{}
	p := newTestProcessor(&fakeProvider{}, &fakeBlobs{}, &fakeTranscriber{}, &fakeExtractor{}, store)

	job := textJob(t, "m1", "hello there")
	require.NoError(t, p.Process(context.Background(), job))

	msg, err := store.GetByExternalID(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ContentTypeText, msg.ContentType)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, domain.OriginUser, msg.Origin)

	// identical payload delivered again: no second record
	require.NoError(t, p.Process(context.Background(), job))
	assert.Len(t, store.byExtID, 1)
}

func TestProcessVoiceAbsorbsTransientTranscriptionFailures(t *testing.T) {
	provider := &fakeProvider{data: []byte("oggdata"), contentType: "audio/ogg"}
	transcriber := &fakeTranscriber{text: "call me tomorrow", failures: 4}
	store := &fakeMessages{}
	p := newTestProcessor(provider, &fakeBlobs{}, transcriber, &fakeExtractor{}, store)

	job := &domain.Job{
		JobID:       "job-v1",
		ExternalID:  "v1",
		ContentType: domain.ContentTypeVoice,
		Payload: eventPayload(t, &domain.InboundEvent{
			ID:        "v1",
			Type:      "voice",
			ChatID:    "4915200000001@s.whatsapp.net",
			Timestamp: 1735689600,
			Voice:     &domain.MediaObject{ID: "media-v1", MimeType: "audio/ogg"},
		}),
		MaxAttempts: 3,
	}

	// fails on the first 4 local attempts, succeeds on the 5th: the local
	// retry absorbs it and the attempt as a whole succeeds
	require.NoError(t, p.Process(context.Background(), job))
	assert.Equal(t, 5, transcriber.calls)

	msg, err := store.GetByExternalID(context.Background(), "v1")
	require.NoError(t, err)
	require.NotNil(t, msg.ExtractedContent)
	assert.Equal(t, "call me tomorrow", *msg.ExtractedContent)
	require.NotNil(t, msg.MediaURL)
	assert.Contains(t, *msg.MediaURL, "voice/4915200000001/v1.ogg")
}

func TestProcessVoiceExhaustsLocalRetries(t *testing.T) {
	provider := &fakeProvider{data: []byte("oggdata"), contentType: "audio/ogg"}
	transcriber := &fakeTranscriber{failures: 100}
	p := newTestProcessor(provider, &fakeBlobs{}, transcriber, &fakeExtractor{}, &fakeMessages{})

	job := &domain.Job{
		JobID:       "job-v2",
		ExternalID:  "v2",
		ContentType: domain.ContentTypeVoice,
		Payload: eventPayload(t, &domain.InboundEvent{
			ID:    "v2",
			Type:  "voice",
			Voice: &domain.MediaObject{ID: "media-v2"},
		}),
	}

	err := p.Process(context.Background(), job)
	require.Error(t, err)

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageTranscribe, se.Stage)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, 5, transcriber.calls)
}

func TestProcessDocumentExtractsText(t *testing.T) {
	provider := &fakeProvider{data: []byte("%PDF-1.7"), contentType: "application/pdf"}
	extractor := &fakeExtractor{text: "quarterly report contents"}
	store := &fakeMessages{}
	p := newTestProcessor(provider, &fakeBlobs{}, &fakeTranscriber{}, extractor, store)

	job := &domain.Job{
		JobID:       "job-d1",
		ExternalID:  "d1",
		ContentType: domain.ContentTypeDocument,
		Payload: eventPayload(t, &domain.InboundEvent{
			ID:       "d1",
			Type:     "document",
			ChatID:   "chat@s.whatsapp.net",
			Document: &domain.MediaObject{ID: "media-d1", MimeType: "application/pdf", FileSize: 2048, Caption: "report.pdf"},
		}),
	}

	require.NoError(t, p.Process(context.Background(), job))

	msg, err := store.GetByExternalID(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, msg.ExtractedContent)
	assert.Equal(t, "quarterly report contents", *msg.ExtractedContent)
	assert.Equal(t, "report.pdf", msg.Content)
}

func TestProcessDocumentPermanentPersistFailure(t *testing.T) {
	provider := &fakeProvider{data: []byte("%PDF-1.7"), contentType: "application/pdf"}
	store := &fakeMessages{err: domain.NewPermanentError(errors.New("schema violation"))}
	p := newTestProcessor(provider, &fakeBlobs{}, &fakeTranscriber{}, &fakeExtractor{text: "x"}, store)

	job := &domain.Job{
		JobID:       "job-d2",
		ExternalID:  "d2",
		ContentType: domain.ContentTypeDocument,
		Payload: eventPayload(t, &domain.InboundEvent{
			ID:       "d2",
			Type:     "document",
			Document: &domain.MediaObject{ID: "media-d2", MimeType: "application/pdf"},
		}),
	}

	err := p.Process(context.Background(), job)
	require.Error(t, err)

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePersist, se.Stage)
	assert.True(t, domain.IsPermanent(err))
	// permanent errors skip local retry
	assert.Equal(t, 1, store.upserts)
}

func TestResolveMediaRejectsNonMediaContent(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestProcessor(provider, &fakeBlobs{}, &fakeTranscriber{}, &fakeExtractor{}, &fakeMessages{})

	job := textJob(t, "m9", "plain text")
	_, err := p.resolveMedia(context.Background(), job, &domain.InboundEvent{})
	require.Error(t, err)

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageDownload, se.Stage)
	assert.True(t, domain.IsPermanent(err))
	// no provider fallback for content that cannot carry an attachment
	assert.Zero(t, provider.fetches)
}

func TestProcessDocumentRejectsOversize(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestProcessor(provider, &fakeBlobs{}, &fakeTranscriber{}, &fakeExtractor{}, &fakeMessages{})

	job := &domain.Job{
		JobID:       "job-d3",
		ExternalID:  "d3",
		ContentType: domain.ContentTypeDocument,
		Payload: eventPayload(t, &domain.InboundEvent{
			ID:       "d3",
			Type:     "document",
			Document: &domain.MediaObject{ID: "media-d3", FileSize: 50 << 20},
		}),
	}

	err := p.Process(context.Background(), job)
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Zero(t, provider.downloads)
}

func TestProcessImageToleratesExtractionFailure(t *testing.T) {
	provider := &fakeProvider{data: []byte("jpegdata"), contentType: "image/jpeg"}
	extractor := &fakeExtractor{err: domain.NewPermanentError(errors.New("vision rejected image"))}
	store := &fakeMessages{}
	p := newTestProcessor(provider, &fakeBlobs{}, &fakeTranscriber{}, extractor, store)

	job := &domain.Job{
		JobID:       "job-i1",
		ExternalID:  "i1",
		ContentType: domain.ContentTypeImage,
		Payload: eventPayload(t, &domain.InboundEvent{
			ID:    "i1",
			Type:  "image",
			Image: &domain.MediaObject{ID: "media-i1", MimeType: "image/jpeg"},
		}),
	}

	require.NoError(t, p.Process(context.Background(), job))

	msg, err := store.GetByExternalID(context.Background(), "i1")
	require.NoError(t, err)
	require.NotNil(t, msg.MediaURL)
	assert.Nil(t, msg.ExtractedContent)
	assert.Equal(t, "[Image message]", msg.Content)
}

func TestProcessFallsBackToMessageFetch(t *testing.T) {
	provider := &fakeProvider{
		data:        []byte("mp4data"),
		contentType: "video/mp4",
		fetched: &domain.InboundEvent{
			ID:    "x1",
			Type:  "video",
			Video: &domain.MediaObject{ID: "media-x1", MimeType: "video/mp4"},
		},
	}
	store := &fakeMessages{}
	p := newTestProcessor(provider, &fakeBlobs{}, &fakeTranscriber{}, &fakeExtractor{}, store)

	// webhook arrived without a video object
	job := &domain.Job{
		JobID:       "job-x1",
		ExternalID:  "x1",
		ContentType: domain.ContentTypeVideo,
		Payload: eventPayload(t, &domain.InboundEvent{
			ID:   "x1",
			Type: "video",
		}),
	}

	require.NoError(t, p.Process(context.Background(), job))

	msg, err := store.GetByExternalID(context.Background(), "x1")
	require.NoError(t, err)
	require.NotNil(t, msg.MediaURL)
}

func TestProcessMalformedPayload(t *testing.T) {
	p := newTestProcessor(&fakeProvider{}, &fakeBlobs{}, &fakeTranscriber{}, &fakeExtractor{}, &fakeMessages{})

	job := &domain.Job{
		JobID:       "job-bad",
		ExternalID:  "bad",
		ContentType: domain.ContentTypeText,
		Payload:     "{not json",
	}

	err := p.Process(context.Background(), job)
	require.Error(t, err)

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageParse, se.Stage)
	assert.True(t, domain.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestObjectName(t *testing.T) {
	name := objectName(domain.ContentTypeImage, "4915200000001@s.whatsapp.net", "m42", "image/png")
	assert.Equal(t, "image/4915200000001/m42.png", name)
}

func TestExtFromMIME(t *testing.T) {
	assert.Equal(t, ".pdf", extFromMIME("application/pdf"))
	assert.Equal(t, ".flac", extFromMIME("audio/flac"))
	assert.Equal(t, ".bin", extFromMIME(""))
}
