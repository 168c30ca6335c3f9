package report

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"finamreports/internal/llm"
)

// Deps are the collaborators of the engine and editor.
type Deps struct {
	Store     Store
	Cache     Cache
	Publisher Publisher
	Stream    llm.StreamClient
	Chat      llm.ChatClient
	Tokens    llm.TokenCounter
	Market    MarketData
	Runs      *RunRegistry
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// EngineConfig tunes generation.
type EngineConfig struct {
	Limits              Limits
	Temperature         float64
	EntityModel         string
	EntityMaxInputChars int
	EntityMaxTokens     int
	SectionBufferBytes  int
	CacheTTL            time.Duration
	ExportTTL           time.Duration
	RunTimeout          time.Duration
	Prices              map[string]Price
	Profiles            *ProfileSet
}

// Engine turns requests into streamed, sectioned, persisted reports.
type Engine struct {
	deps      Deps
	cfg       EngineConfig
	profiles  ProfileSet
	extractor *EntityExtractor
	log       logrus.FieldLogger
}

// NewEngine validates deps and fills defaults.
func NewEngine(deps Deps, cfg EngineConfig) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("report: engine requires a store")
	}
	if deps.Stream == nil {
		return nil, errors.New("report: engine requires a stream client")
	}
	if len(cfg.Limits.Models) == 0 {
		return nil, errors.New("report: engine requires at least one model")
	}
	if deps.Cache == nil {
		deps.Cache = nopCache{}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Tokens == nil {
		deps.Tokens = llm.ApproxCounter{}
	}
	if deps.Runs == nil {
		deps.Runs = NewRunRegistry()
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.SectionBufferBytes <= 0 {
		cfg.SectionBufferBytes = 512
	}

	profiles := DefaultProfiles()
	if cfg.Profiles != nil {
		profiles = *cfg.Profiles
	}

	e := &Engine{deps: deps, cfg: cfg, profiles: profiles, log: deps.Log}
	if deps.Chat != nil && cfg.EntityModel != "" {
		e.extractor = &EntityExtractor{
			Client:        deps.Chat,
			Model:         cfg.EntityModel,
			Temperature:   0.1,
			MaxTokens:     cfg.EntityMaxTokens,
			MaxInputChars: cfg.EntityMaxInputChars,
			Scorer:        DefaultEntityScorer(),
			Log:           deps.Log,
		}
	}
	return e, nil
}

// Runs exposes the registry of active runs.
func (e *Engine) Runs() *RunRegistry { return e.deps.Runs }

// Cancel stops an active run by id.
func (e *Engine) Cancel(runID string) bool { return e.deps.Runs.Cancel(runID) }

// Report returns a report with its ordered sections.
func (e *Engine) Report(ctx context.Context, id string) (*Report, error) {
	rep, err := e.deps.Store.GetReport(ctx, id)
	if err != nil {
		return nil, storeErr("get report", err)
	}
	sections, err := e.deps.Store.ListSections(ctx, id)
	if err != nil {
		return nil, storeErr("list sections", err)
	}
	rep.Sections = sections
	rep.SectionIDs = sectionIDs(sections)
	return rep, nil
}

// Mentions returns the entity mentions recorded for a report.
func (e *Engine) Mentions(ctx context.Context, reportID string) ([]Mention, error) {
	if _, err := e.deps.Store.GetReport(ctx, reportID); err != nil {
		return nil, storeErr("get report", err)
	}
	mentions, err := e.deps.Store.ListMentions(ctx, reportID)
	if err != nil {
		return nil, storeErr("list mentions", err)
	}
	return mentions, nil
}

// Generate validates req and starts a generation run. Validation and
// conflict errors are returned before any run exists.
func (e *Engine) Generate(ctx context.Context, req Request) (*Run, error) {
	req, err := e.cfg.Limits.normalize(req, e.cfg.Temperature)
	if err != nil {
		return nil, err
	}
	key := CacheKey(req)

	if !req.Options.Stream && req.ReportID == "" {
		if run := e.replayCached(ctx, key); run != nil {
			return run, nil
		}
	}

	reportID := strings.TrimSpace(req.ReportID)
	if reportID == "" {
		reportID = uuid.NewString()
	} else {
		if e.deps.Runs.Busy(reportID) {
			return nil, &ConflictError{Resource: "report", ID: reportID, Err: ErrRunInFlight}
		}
		_, err := e.deps.Store.GetReport(ctx, reportID)
		switch {
		case err == nil:
			return nil, &ConflictError{Resource: "report", ID: reportID, Err: errors.New("already exists")}
		case !errors.Is(err, ErrNotFound):
			return nil, storeErr("get report", err)
		}
	}

	info := RunInfo{RunID: uuid.NewString(), ReportID: reportID, Mode: ModeGenerate}
	if err := e.deps.Runs.Acquire(reportID, info.RunID); err != nil {
		return nil, err
	}

	now := e.deps.Now()
	rep := &Report{
		ID:        reportID,
		ThreadID:  req.ThreadID,
		Prompt:    req.Prompt,
		Model:     req.Model,
		Status:    StatusGenerating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.deps.Store.CreateReport(ctx, rep); err != nil {
		e.deps.Runs.Release(info.RunID)
		return nil, storeErr("create report", err)
	}

	profile := e.profiles.Select(req.Prompt)
	logger := e.log.WithFields(logrus.Fields{"run_id": info.RunID, "report_id": reportID, "profile": profile.Name})
	logger.Info("generation started")

	settle := func(ctx context.Context, st Status) {
		rep.Status = st
		rep.UpdatedAt = e.deps.Now()
		if err := e.deps.Store.UpdateReport(ctx, rep); err != nil {
			logger.WithError(err).Warn("failed to record final report status")
		}
		e.invalidateExports(ctx, rep.ID)
	}
	return e.launch(ctx, info, logger, func(ctx context.Context, run *Run) error {
		return e.generate(ctx, run, rep, req, profile, key, logger)
	}, settle), nil
}

func (e *Engine) generate(ctx context.Context, run *Run, rep *Report, req Request, profile Profile, key string, logger logrus.FieldLogger) error {
	run.emit(ctx, Started{RunID: run.ID, ReportID: rep.ID, Mode: ModeGenerate})

	var market string
	if req.Options.IncludeMarketData && e.deps.Market != nil {
		snap, err := e.deps.Market.Snapshot(ctx, req.Prompt)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			logger.WithError(err).Warn("market data unavailable, continuing without it")
		default:
			market = snap
		}
	}

	msgs := generationMessages(profile, req, market)
	stream, err := e.deps.Stream.ChatCompletionStream(ctx, llm.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return &ProviderError{Op: "open stream", Err: err}
	}
	defer stream.Close()

	asm := newSectionAssembler(e.cfg.SectionBufferBytes, 0)
	var (
		doc      strings.Builder
		sections []Section
	)
	persist := func(drafts []draftSection) error {
		for _, d := range drafts {
			s, err := e.insertDraft(ctx, rep, d, req)
			if err != nil {
				return err
			}
			sections = append(sections, *s)
			run.emit(ctx, SectionDetected{Section: *s})
		}
		return nil
	}

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := stream.Text()
		doc.WriteString(text)
		run.emit(ctx, ContentDelta{Text: text})
		if err := persist(asm.Write(text)); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := stream.Err(); err != nil {
		return &ProviderError{Op: "stream", Err: err}
	}
	if err := persist(asm.Flush()); err != nil {
		return err
	}

	usage := stream.Usage()
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage = llm.Usage{
			PromptTokens:     e.deps.Tokens.Count(req.Model, promptText(msgs)),
			CompletionTokens: e.deps.Tokens.Count(req.Model, doc.String()),
		}
	}
	cost := e.price(req.Model).Cost(usage.PromptTokens, usage.CompletionTokens)

	var entityCount int
	if req.Options.ExtractEntities {
		detected, extraUsage, err := e.extractor.Extract(ctx, doc.String())
		if err != nil {
			return err
		}
		cost += e.price(e.cfg.EntityModel).Cost(extraUsage.PromptTokens, extraUsage.CompletionTokens)
		usage.PromptTokens += extraUsage.PromptTokens
		usage.CompletionTokens += extraUsage.CompletionTokens

		for _, d := range detected {
			if _, err := e.deps.Store.UpsertEntity(ctx, rep.ID, d); err != nil {
				return storeErr("upsert entity", err)
			}
		}
		if len(detected) > 0 {
			entityCount = len(detected)
			run.emit(ctx, EntitiesDetected{Entities: detected})
		}
	}

	rep.Content = doc.String()
	rep.Title = reportTitle(sections, rep)
	rep.PromptTokens = usage.PromptTokens
	rep.CompletionTokens = usage.CompletionTokens
	rep.Cost = cost
	rep.Status = StatusCompleted
	rep.Interactive = len(sections) > 0
	rep.UpdatedAt = e.deps.Now()
	if err := e.deps.Store.UpdateReport(ctx, rep); err != nil {
		return storeErr("update report", err)
	}
	// An export taken while the run was streaming holds a partial document.
	e.invalidateExports(ctx, rep.ID)

	summary := buildSummary(run.ID, rep, sections, entityCount)
	if payload, err := json.Marshal(summary); err == nil {
		e.deps.Cache.Set(ctx, key, payload, e.cfg.CacheTTL)
	} else {
		logger.WithError(err).Warn("failed to encode summary for cache")
	}

	logger.WithFields(logrus.Fields{
		"sections":          len(sections),
		"entities":          entityCount,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
	}).Info("generation completed")
	run.emit(ctx, Completed{Summary: summary})
	return nil
}

func (e *Engine) insertDraft(ctx context.Context, rep *Report, d draftSection, req Request) (*Section, error) {
	now := e.deps.Now()
	html := RenderHTML(d.Content)
	s := &Section{
		ID:       uuid.NewString(),
		ReportID: rep.ID,
		Type:     d.Type,
		Title:    d.Title,
		Content:  d.Content,
		HTML:     html,
		Order:    d.Order,
		Version:  1,
		History: []EditEntry{{
			Version:     1,
			Content:     d.Content,
			HTMLContent: html,
			Prompt:      req.Prompt,
			EditedBy:    systemEditor,
			EditedAt:    now,
		}},
		Metadata: SectionMetadata{
			Prompt:       req.Prompt,
			Model:        req.Model,
			LastEditedBy: systemEditor,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.deps.Store.InsertSection(ctx, s); err != nil {
		return nil, storeErr("insert section", err)
	}
	return s, nil
}

const systemEditor = "system"

func reportTitle(sections []Section, rep *Report) string {
	for _, s := range sections {
		if s.Title != "" {
			return s.Title
		}
	}
	if t := headingTitle(rep.Content); t != "" {
		return t
	}
	return truncate(rep.Prompt, 80)
}

func (e *Engine) price(model string) Price {
	return e.cfg.Prices[model]
}

// replayCached answers from a cached summary with a lone Completed event.
func (e *Engine) replayCached(ctx context.Context, key string) *Run {
	payload, ok := e.deps.Cache.Get(ctx, key)
	if !ok {
		return nil
	}
	var summary Summary
	if err := json.Unmarshal(payload, &summary); err != nil || summary.ReportID == "" {
		e.log.WithError(err).WithField("key", key).Warn("discarding unreadable cached summary")
		e.deps.Cache.Delete(ctx, key)
		return nil
	}

	info := RunInfo{RunID: uuid.NewString(), ReportID: summary.ReportID, Mode: ModeGenerate}
	summary.RunID = info.RunID
	summary.Cached = true
	logger := e.log.WithFields(logrus.Fields{"run_id": info.RunID, "report_id": summary.ReportID})
	logger.Debug("serving generation from cache")

	return e.launch(ctx, info, logger, func(ctx context.Context, run *Run) error {
		run.emitLocal(ctx, Completed{Summary: summary})
		return nil
	}, nil)
}

// launch runs exec on its own goroutine and converts its error into the
// terminal event. settle, when set, records a failed or cancelled outcome
// on a context that survives the run's cancellation.
func (e *Engine) launch(parent context.Context, info RunInfo, logger logrus.FieldLogger, exec func(context.Context, *Run) error, settle func(context.Context, Status)) *Run {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if e.cfg.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, e.cfg.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	run := newRun(info, cancel, e.deps.Publisher)
	e.deps.Runs.Track(info, cancel)

	go func() {
		defer run.finish()
		defer cancel()
		defer e.deps.Runs.Release(info.RunID)

		err := exec(ctx, run)
		if err == nil {
			return
		}

		detached, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer stop()

		var (
			conflict   *ConflictError
			validation *ValidationError
		)
		switch {
		case ctx.Err() != nil:
			reason := cancelReason(ctx)
			logger.WithField("reason", reason).Info("run cancelled")
			if settle != nil {
				settle(detached, StatusCancelled)
			}
			run.emit(ctx, Cancelled{RunID: run.ID, Reason: reason})
		case errors.As(err, &conflict), errors.As(err, &validation):
			logger.WithError(err).Info("run rejected")
			// Viewers already saw the run start; close it for them without
			// exposing the rejection.
			if run.published {
				run.announce(ctx, Cancelled{RunID: run.ID, Reason: "superseded"})
			}
			run.emitLocal(ctx, Failed{RunID: run.ID, Reason: err.Error(), Err: err})
		default:
			logger.WithError(err).Error("run failed")
			if settle != nil {
				settle(detached, StatusFailed)
			}
			run.emit(ctx, Failed{RunID: run.ID, Reason: "generation failed", Err: err})
		}
	}()
	return run
}

func (e *Engine) invalidateExports(ctx context.Context, reportID string) {
	e.deps.Cache.Delete(context.WithoutCancel(ctx), ExportKey(reportID, FormatMarkdown), ExportKey(reportID, FormatHTML))
}

var errEmptyResponse = errors.New("provider returned no content")
