// Package pipeline turns a claimed job into a persisted message record. One
// Process call is one job attempt: every capability call inside it gets a
// short, bounded local retry, and whatever still fails surfaces as a single
// typed StageError for the ledger to record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/chatline/chatline-be/internal/messages"
	"github.com/chatline/chatline-be/internal/retry"
	"github.com/google/uuid"
)

// Stage names reported in StageError and the ledger's last_error column.
const (
	StageParse      = "parse"
	StageDownload   = "download"
	StageUpload     = "upload"
	StageTranscribe = "transcribe"
	StageExtract    = "extract"
	StagePersist    = "persist"
)

// MediaDownloader fetches attachments from the messaging provider.
type MediaDownloader interface {
	Download(ctx context.Context, mediaID string) (data []byte, contentType string, err error)
	FetchMessage(ctx context.Context, messageID string) (*domain.InboundEvent, error)
}

// BlobStore uploads media bytes and returns a public URL.
type BlobStore interface {
	Upload(ctx context.Context, objectName string, data []byte, contentType string) (url string, err error)
}

// Transcriber converts voice audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// TextExtractor pulls text out of documents and images.
type TextExtractor interface {
	Extract(ctx context.Context, doc []byte, filename string) (string, error)
}

// Policies holds the per-stage local retry policies. These bound retries
// within one job attempt; ledger-level retry across attempts is separate.
type Policies struct {
	MediaTransfer retry.Policy
	Transcription retry.Policy
	Extraction    retry.Policy
	Persistence   retry.Policy
}

// DefaultPolicies returns the stage policies used in production.
func DefaultPolicies() Policies {
	return Policies{
		MediaTransfer: retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 8 * time.Second},
		Transcription: retry.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 32 * time.Second},
		Extraction:    retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 16 * time.Second},
		Persistence:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 8 * time.Second},
	}
}

// Config holds pipeline construction parameters.
type Config struct {
	Provider    MediaDownloader
	Blobs       BlobStore
	Transcriber Transcriber
	Extractor   TextExtractor
	Messages    messages.Store
	Policies    Policies
	// MaxDocumentBytes rejects oversized documents before download. Zero
	// disables the check.
	MaxDocumentBytes int64
	Logger           *slog.Logger
}

// Processor executes jobs. All dependencies are injected so tests can run the
// whole pipeline against in-memory fakes.
type Processor struct {
	provider    MediaDownloader
	blobs       BlobStore
	transcriber Transcriber
	extractor   TextExtractor
	messages    messages.Store
	policies    Policies
	maxDocBytes int64
	logger      *slog.Logger
}

// NewProcessor creates a new Processor.
func NewProcessor(cfg *Config) *Processor {
	return &Processor{
		provider:    cfg.Provider,
		blobs:       cfg.Blobs,
		transcriber: cfg.Transcriber,
		extractor:   cfg.Extractor,
		messages:    cfg.Messages,
		policies:    cfg.Policies,
		maxDocBytes: cfg.MaxDocumentBytes,
		logger:      cfg.Logger,
	}
}

// Process runs one attempt of the job. Every stage is safe to repeat: media
// transfer overwrites the same object, persistence upserts on external id.
// A nil return means the message record exists; a non-nil return is always a
// *domain.StageError.
func (p *Processor) Process(ctx context.Context, job *domain.Job) error {
	event, err := domain.ParseInboundEvent([]byte(job.Payload))
	if err != nil {
		return p.stageErr(job, StageParse,
			domain.NewPermanentError(fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)))
	}

	msg := &domain.Message{
		ID:          uuid.New().String(),
		ExternalID:  job.ExternalID,
		ChatID:      event.ChatID,
		Origin:      event.Origin(),
		ContentType: job.ContentType,
		SentAt:      time.Unix(event.Timestamp, 0).UTC(),
	}

	switch job.ContentType {
	case domain.ContentTypeText:
		if event.Text == nil {
			return p.stageErr(job, StageParse,
				domain.NewPermanentError(fmt.Errorf("%w: text message without body", domain.ErrInvalidPayload)))
		}
		msg.Content = event.Text.Body

	case domain.ContentTypeVoice:
		if err := p.processVoice(ctx, job, event, msg); err != nil {
			return err
		}

	case domain.ContentTypeDocument:
		if err := p.processDocument(ctx, job, event, msg); err != nil {
			return err
		}

	case domain.ContentTypeImage:
		if err := p.processImage(ctx, job, event, msg); err != nil {
			return err
		}

	case domain.ContentTypeVideo, domain.ContentTypeAudio:
		if err := p.processPlainMedia(ctx, job, event, msg); err != nil {
			return err
		}

	default:
		return p.stageErr(job, StageParse,
			domain.NewPermanentError(fmt.Errorf("unsupported content type %q", job.ContentType)))
	}

	return p.persist(ctx, job, msg)
}

// processVoice downloads the audio, stores it, and transcribes it. The
// transcript becomes both the message content and the extracted content.
func (p *Processor) processVoice(ctx context.Context, job *domain.Job, event *domain.InboundEvent, msg *domain.Message) error {
	media, err := p.resolveMedia(ctx, job, event)
	if err != nil {
		return err
	}

	data, _, err := p.transferMedia(ctx, job, media, msg)
	if err != nil {
		return err
	}

	var transcript string
	err = retry.Do(ctx, p.policies.Transcription, func(ctx context.Context) error {
		var terr error
		transcript, terr = p.transcriber.Transcribe(ctx, data)
		return terr
	})
	if err != nil {
		return p.stageErr(job, StageTranscribe, err)
	}

	msg.Content = transcript
	msg.ExtractedContent = &transcript
	return nil
}

// processDocument downloads the document, stores it, and extracts its text.
func (p *Processor) processDocument(ctx context.Context, job *domain.Job, event *domain.InboundEvent, msg *domain.Message) error {
	media, err := p.resolveMedia(ctx, job, event)
	if err != nil {
		return err
	}

	if p.maxDocBytes > 0 && media.FileSize > p.maxDocBytes {
		return p.stageErr(job, StageDownload,
			domain.NewPermanentError(fmt.Errorf("document too large: %d bytes (limit %d)", media.FileSize, p.maxDocBytes)))
	}

	data, _, err := p.transferMedia(ctx, job, media, msg)
	if err != nil {
		return err
	}

	var extracted string
	err = retry.Do(ctx, p.policies.Extraction, func(ctx context.Context) error {
		var eerr error
		extracted, eerr = p.extractor.Extract(ctx, data, job.ExternalID+".pdf")
		return eerr
	})
	if err != nil {
		return p.stageErr(job, StageExtract, err)
	}

	msg.Content = mediaCaption(media, job.ContentType)
	msg.ExtractedContent = &extracted
	return nil
}

// processImage stores the image and tries to extract its content. Extraction
// failure does not fail the job: the upload is kept and the message is
// persisted with only the media reference.
func (p *Processor) processImage(ctx context.Context, job *domain.Job, event *domain.InboundEvent, msg *domain.Message) error {
	media, err := p.resolveMedia(ctx, job, event)
	if err != nil {
		return err
	}

	data, _, err := p.transferMedia(ctx, job, media, msg)
	if err != nil {
		return err
	}

	var extracted string
	err = retry.Do(ctx, p.policies.Extraction, func(ctx context.Context) error {
		var eerr error
		extracted, eerr = p.extractor.Extract(ctx, data, job.ExternalID+extFromMIME(media.MimeType))
		return eerr
	})
	if err != nil {
		p.logger.Warn("Image content extraction failed, keeping media reference only",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	} else if extracted != "" {
		msg.ExtractedContent = &extracted
	}

	msg.Content = mediaCaption(media, job.ContentType)
	return nil
}

// processPlainMedia stores video/audio attachments without content analysis.
func (p *Processor) processPlainMedia(ctx context.Context, job *domain.Job, event *domain.InboundEvent, msg *domain.Message) error {
	media, err := p.resolveMedia(ctx, job, event)
	if err != nil {
		return err
	}

	if _, _, err := p.transferMedia(ctx, job, media, msg); err != nil {
		return err
	}

	msg.Content = mediaCaption(media, job.ContentType)
	return nil
}

// resolveMedia finds the attachment descriptor in the payload, falling back
// to the provider API when the webhook arrived without one.
func (p *Processor) resolveMedia(ctx context.Context, job *domain.Job, event *domain.InboundEvent) (*domain.MediaObject, error) {
	if !job.ContentType.IsMedia() {
		return nil, p.stageErr(job, StageDownload,
			domain.NewPermanentError(fmt.Errorf("%s message carries no attachment", job.ContentType)))
	}

	media := event.Media(job.ContentType)
	if media != nil && media.ID != "" {
		return media, nil
	}

	p.logger.Warn("Webhook payload missing media object, fetching message from provider",
		slog.String("job_id", job.JobID),
		slog.String("external_id", job.ExternalID),
	)

	var fetched *domain.InboundEvent
	err := retry.Do(ctx, p.policies.MediaTransfer, func(ctx context.Context) error {
		var ferr error
		fetched, ferr = p.provider.FetchMessage(ctx, job.ExternalID)
		return ferr
	})
	if err != nil {
		return nil, p.stageErr(job, StageDownload, err)
	}

	media = fetched.Media(job.ContentType)
	if media == nil || media.ID == "" {
		return nil, p.stageErr(job, StageDownload,
			domain.NewPermanentError(fmt.Errorf("no media id available for %s message", job.ContentType)))
	}

	return media, nil
}

// transferMedia downloads the attachment and uploads it to the object store,
// setting the media URL on the message.
func (p *Processor) transferMedia(ctx context.Context, job *domain.Job, media *domain.MediaObject, msg *domain.Message) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := retry.Do(ctx, p.policies.MediaTransfer, func(ctx context.Context) error {
		var derr error
		data, contentType, derr = p.provider.Download(ctx, media.ID)
		return derr
	})
	if err != nil {
		return nil, "", p.stageErr(job, StageDownload, err)
	}

	objectName := objectName(job.ContentType, msg.ChatID, job.ExternalID, contentType)

	var url string
	err = retry.Do(ctx, p.policies.MediaTransfer, func(ctx context.Context) error {
		var uerr error
		url, uerr = p.blobs.Upload(ctx, objectName, data, contentType)
		return uerr
	})
	if err != nil {
		return nil, "", p.stageErr(job, StageUpload, err)
	}

	msg.MediaURL = &url
	return data, contentType, nil
}

// persist upserts the message. A duplicate external id is idempotent success,
// not a failure.
func (p *Processor) persist(ctx context.Context, job *domain.Job, msg *domain.Message) error {
	var created bool
	err := retry.Do(ctx, p.policies.Persistence, func(ctx context.Context) error {
		var perr error
		created, perr = p.messages.Upsert(ctx, msg)
		return perr
	})
	if err != nil {
		return p.stageErr(job, StagePersist, err)
	}

	if !created {
		p.logger.Info("Duplicate delivery, message already persisted",
			slog.String("job_id", job.JobID),
			slog.String("external_id", job.ExternalID),
		)
	}

	return nil
}

func (p *Processor) stageErr(job *domain.Job, stage string, err error) error {
	var se *domain.StageError
	if errors.As(err, &se) {
		// already wrapped by a nested helper
		return err
	}
	return &domain.StageError{Stage: stage, JobID: job.JobID, Err: err}
}
