package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/MeeMeeBot/internal/models"
	"github.com/digkill/MeeMeeBot/internal/queue"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollAttempts = 60
	defaultTopTemplates = 10
	noVideoReason       = "operation completed but no video found"
)

type GenerationConfig struct {
	PollInterval time.Duration
	PollAttempts int
}

// FinishListener is called once for every generation that reaches done or failed.
type FinishListener func(ctx context.Context, gen *models.Generation)

type GenerationService struct {
	cfg        GenerationConfig
	log        *slog.Logger
	gens       GenerationStore
	templates  TemplateSource
	provider   VideoProvider
	queue      WorkQueue
	events     EventBus
	archiver   VideoArchiver
	onFinished FinishListener
	now        func() time.Time
}

type CreateGenerationInput struct {
	UserID     int64
	TemplateID string
	Name       string
	Gender     models.Gender
}

func NewGenerationService(cfg GenerationConfig, log *slog.Logger, gens GenerationStore, tpl TemplateSource, provider VideoProvider, q WorkQueue, events EventBus) *GenerationService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	return &GenerationService{
		cfg:       cfg,
		log:       log,
		gens:      gens,
		templates: tpl,
		provider:  provider,
		queue:     q,
		events:    events,
		now:       time.Now,
	}
}

// SetArchiver enables copying finished videos to object storage.
func (s *GenerationService) SetArchiver(a VideoArchiver) {
	s.archiver = a
}

func (s *GenerationService) SetOnFinished(fn FinishListener) {
	s.onFinished = fn
}

// RenderPrompt substitutes the personalisation placeholders of a template prompt.
func RenderPrompt(prompt, name string, gender models.Gender) string {
	return strings.NewReplacer(
		"{name}", name,
		"{gender_text}", gender.Text(),
		"{gender}", string(gender),
	).Replace(prompt)
}

// CreateGeneration persists a queued generation and hands it to the workers.
// It neither touches quota nor waits for the video.
func (s *GenerationService) CreateGeneration(ctx context.Context, in CreateGenerationInput) (*models.Generation, error) {
	tpl, err := s.templates.Get(in.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if tpl == nil {
		return nil, ErrTemplateNotFound
	}
	if !tpl.Available() {
		return nil, ErrTemplateUnavailable
	}
	if !in.Gender.Valid() {
		return nil, &ValidationError{Field: "gender", Reason: "must be male or female"}
	}

	now := s.now().UTC()
	gen := &models.Generation{
		ID:           "GEN-" + uuid.NewString(),
		UserID:       in.UserID,
		TemplateID:   tpl.ID,
		TemplateName: tpl.Name,
		Prompt:       RenderPrompt(tpl.Prompt, in.Name, in.Gender),
		Name:         in.Name,
		Gender:       in.Gender,
		Status:       models.GenerationQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.gens.Create(ctx, gen); err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	if err := s.queue.Push(ctx, gen.ID); err != nil {
		// the reconciler picks up queued rows that never reached the queue
		s.log.Error("enqueue generation", "generation_id", gen.ID, "err", err)
	}
	s.log.Info("generation queued", "generation_id", gen.ID, "user_id", gen.UserID, "template_id", gen.TemplateID)
	return gen, nil
}

// Process drives one generation to a terminal status. A cancelled context
// leaves it processing with its operation handle so it can be resumed.
func (s *GenerationService) Process(ctx context.Context, generationID string) (err error) {
	gen, err := s.gens.FindByID(ctx, generationID)
	if err != nil {
		return fmt.Errorf("load generation: %w", err)
	}
	if gen == nil {
		return ErrGenerationNotFound
	}

	switch gen.Status {
	case models.GenerationQueued:
		claimed, err := s.gens.Transition(ctx, gen.ID, models.GenerationQueued, models.GenerationProcessing)
		if err != nil {
			return fmt.Errorf("claim generation: %w", err)
		}
		if !claimed {
			return nil
		}
		gen.Status = models.GenerationProcessing
	case models.GenerationProcessing:
		s.log.Info("resuming generation", "generation_id", gen.ID, "operation", gen.Operation)
	default:
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("generation panicked", "generation_id", gen.ID, "panic", r)
			s.fail(context.WithoutCancel(ctx), gen.ID, fmt.Sprintf("internal error: %v", r))
			err = fmt.Errorf("generation %s panicked: %v", gen.ID, r)
		}
	}()

	operation := gen.Operation
	if operation == "" {
		sub, err := s.provider.Submit(ctx, gen.Prompt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.fail(ctx, gen.ID, err.Error())
			return nil
		}
		if sub.VideoURL != "" {
			s.complete(ctx, gen.ID, sub.VideoURL)
			return nil
		}
		if sub.Operation == "" {
			s.fail(ctx, gen.ID, noVideoReason)
			return nil
		}
		operation = sub.Operation
		if err := s.gens.SetOperation(ctx, gen.ID, operation); err != nil {
			s.log.Warn("store operation handle", "generation_id", gen.ID, "err", err)
		}
	}

	return s.poll(ctx, gen.ID, operation)
}

func (s *GenerationService) poll(ctx context.Context, generationID, operation string) error {
	attempts := s.cfg.PollAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := s.provider.PollOperation(ctx, operation)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("poll operation", "generation_id", generationID, "attempt", attempt, "err", err)
			if attempt == attempts {
				s.fail(ctx, generationID, err.Error())
				return nil
			}
		case status.Done && status.Error != "":
			s.fail(ctx, generationID, status.Error)
			return nil
		case status.Done && status.VideoURL == "":
			s.fail(ctx, generationID, noVideoReason)
			return nil
		case status.Done:
			s.complete(ctx, generationID, status.VideoURL)
			return nil
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	waited := time.Duration(attempts) * s.cfg.PollInterval
	s.fail(ctx, generationID, fmt.Sprintf("%s after %d seconds", ErrGenerationTimeout, int(waited.Seconds())))
	return nil
}

func (s *GenerationService) complete(ctx context.Context, generationID, videoURL string) {
	if s.archiver != nil {
		archived, err := s.archiver.Archive(ctx, generationID, videoURL)
		if err != nil {
			s.log.Warn("archive video", "generation_id", generationID, "err", err)
		} else {
			videoURL = archived
		}
	}
	ok, err := s.gens.Complete(ctx, generationID, videoURL)
	if err != nil {
		s.log.Error("complete generation", "generation_id", generationID, "err", err)
		return
	}
	if ok {
		s.log.Info("generation done", "generation_id", generationID)
		s.finished(ctx, generationID)
	}
}

func (s *GenerationService) fail(ctx context.Context, generationID, reason string) {
	ok, err := s.gens.Fail(ctx, generationID, reason)
	if err != nil {
		s.log.Error("fail generation", "generation_id", generationID, "err", err)
		return
	}
	if ok {
		s.log.Warn("generation failed", "generation_id", generationID, "reason", reason)
		s.finished(ctx, generationID)
	}
}

func (s *GenerationService) finished(ctx context.Context, generationID string) {
	gen, err := s.gens.FindByID(ctx, generationID)
	if err != nil || gen == nil {
		s.log.Error("reload finished generation", "generation_id", generationID, "err", err)
		return
	}
	if s.onFinished != nil {
		s.onFinished(ctx, gen)
	}
	if err := s.events.Publish(ctx, queue.GenerationEvent{GenerationID: gen.ID, Status: gen.Status}); err != nil {
		s.log.Warn("publish generation event", "generation_id", gen.ID, "err", err)
	}
}

// GetGeneration returns nil when the generation does not exist.
func (s *GenerationService) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	gen, err := s.gens.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return gen, nil
}

func (s *GenerationService) ListUserGenerations(ctx context.Context, userID int64, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	gens, err := s.gens.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user generations: %w", err)
	}
	return gens, nil
}

func (s *GenerationService) GetGenerationStats(ctx context.Context) (*models.GenerationStats, error) {
	stats, err := s.gens.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("generation stats: %w", err)
	}
	length, err := s.queue.Len(ctx)
	if err != nil {
		s.log.Warn("queue length", "err", err)
	}
	stats.QueueLength = length
	return stats, nil
}

func (s *GenerationService) GetTopTemplates(ctx context.Context, limit int) ([]models.TemplateUsage, error) {
	if limit <= 0 {
		limit = defaultTopTemplates
	}
	top, err := s.gens.TopTemplates(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("top templates: %w", err)
	}
	return top, nil
}

// Subscribe waits for the terminal event of one generation.
func (s *GenerationService) Subscribe(ctx context.Context, generationID string) (<-chan queue.GenerationEvent, func(), error) {
	return s.events.Subscribe(ctx, generationID)
}

// Requeue puts queued or processing generations untouched since olderThan back on the queue.
func (s *GenerationService) Requeue(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	gens, err := s.gens.ListUnfinished(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("list unfinished: %w", err)
	}
	n := 0
	for _, gen := range gens {
		if err := s.queue.Push(ctx, gen.ID); err != nil {
			return n, fmt.Errorf("requeue %s: %w", gen.ID, err)
		}
		n++
	}
	return n, nil
}

// RefundFailed flags a failed generation as refunded and returns its credit.
// Only the first call for a generation returns true.
func (s *GenerationService) RefundFailed(ctx context.Context, gen *models.Generation) (bool, error) {
	if gen.Status != models.GenerationFailed {
		return false, nil
	}
	ok, err := s.gens.RefundFailed(ctx, gen.ID, gen.UserID)
	if err != nil {
		return false, fmt.Errorf("refund generation %s: %w", gen.ID, err)
	}
	return ok, nil
}

func (s *GenerationService) FailedUnrefunded(ctx context.Context, limit int) ([]models.Generation, error) {
	gens, err := s.gens.ListFailedUnrefunded(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed generations: %w", err)
	}
	return gens, nil
}

// IsTimeout reports whether a failure reason came from running out of poll attempts.
func IsTimeout(reason string) bool {
	return strings.HasPrefix(reason, ErrGenerationTimeout.Error())
}
