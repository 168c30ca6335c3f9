package report

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"finamreports/internal/llm"
)

// EditRequest rewrites one section from an instruction.
type EditRequest struct {
	SectionID   string `json:"sectionId"`
	Instruction string `json:"prompt"`
	Editor      string `json:"-"`
	Model       string `json:"model,omitempty"`
}

// AddRequest generates a new section at Position.
type AddRequest struct {
	ReportID    string `json:"reportId"`
	Instruction string `json:"instruction"`
	Position    int    `json:"position"`
	Editor      string `json:"-"`
	Model       string `json:"model,omitempty"`
}

// Editor mutates sections of persisted reports. Edits are not locked:
// concurrent commits to one section serialize through its version.
type Editor struct {
	*Engine
}

// NewEditor shares the engine's collaborators and run registry.
func NewEditor(e *Engine) *Editor { return &Editor{Engine: e} }

// EditSection streams a rewrite of a section and commits it as the next
// version. Losing a concurrent commit ends the run with a *ConflictError.
func (ed *Editor) EditSection(ctx context.Context, req EditRequest) (*Run, error) {
	if err := ed.cfg.Limits.checkText("prompt", req.Instruction); err != nil {
		return nil, err
	}
	model, err := ed.cfg.Limits.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	base, err := ed.deps.Store.GetSection(ctx, req.SectionID)
	if err != nil {
		return nil, storeErr("get section", err)
	}

	editor := editorName(req.Editor)
	info := RunInfo{RunID: uuid.NewString(), ReportID: base.ReportID, SectionID: base.ID, Mode: ModeEdit}
	logger := ed.log.WithFields(logrus.Fields{"run_id": info.RunID, "section_id": base.ID, "editor": editor})
	logger.Info("section edit started")

	return ed.launch(ctx, info, logger, func(ctx context.Context, run *Run) error {
		run.emit(ctx, Started{RunID: run.ID, ReportID: base.ReportID, SectionID: base.ID, Mode: ModeEdit})

		msgs := editMessages(base, req.Instruction)
		content, usage, err := ed.streamText(ctx, run, model, msgs)
		if err != nil {
			return err
		}

		committed, err := ed.commit(ctx, base, true, func(next *Section) {
			next.Content = content
			next.HTML = RenderHTML(content)
			if title := headingTitle(content); title != "" {
				next.Title = title
			}
			next.Metadata = SectionMetadata{Prompt: req.Instruction, Model: model, LastEditedBy: editor}
		})
		if err != nil {
			return err
		}

		run.emit(ctx, SectionDetected{Section: *committed})
		run.emit(ctx, Completed{Summary: Summary{
			ReportID:         committed.ReportID,
			RunID:            run.ID,
			SectionID:        committed.ID,
			Version:          committed.Version,
			Title:            committed.Title,
			Lead:             truncate(leadParagraph(committed.Content), 240),
			SectionCount:     1,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			Cost:             ed.price(model).Cost(usage.PromptTokens, usage.CompletionTokens),
		}})
		logger.WithField("version", committed.Version).Info("section edit committed")
		return nil
	}, nil), nil
}

// AddSection streams a new section and inserts it at req.Position, shifting
// later sections. It holds the report's run slot.
func (ed *Editor) AddSection(ctx context.Context, req AddRequest) (*Run, error) {
	if err := ed.cfg.Limits.checkText("instruction", req.Instruction); err != nil {
		return nil, err
	}
	if req.Position < 0 {
		return nil, &ValidationError{Field: "position", Reason: "must not be negative"}
	}
	model, err := ed.cfg.Limits.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	rep, err := ed.deps.Store.GetReport(ctx, req.ReportID)
	if err != nil {
		return nil, storeErr("get report", err)
	}
	if !rep.Interactive {
		return nil, &ValidationError{Field: "reportId", Reason: "report is not interactive"}
	}

	editor := editorName(req.Editor)
	info := RunInfo{RunID: uuid.NewString(), ReportID: rep.ID, SectionID: uuid.NewString(), Mode: ModeAdd}
	if err := ed.deps.Runs.Acquire(rep.ID, info.RunID); err != nil {
		return nil, err
	}
	logger := ed.log.WithFields(logrus.Fields{"run_id": info.RunID, "report_id": rep.ID, "section_id": info.SectionID})
	logger.Info("section add started")

	return ed.launch(ctx, info, logger, func(ctx context.Context, run *Run) error {
		run.emit(ctx, Started{RunID: run.ID, ReportID: rep.ID, SectionID: info.SectionID, Mode: ModeAdd})

		existing, err := ed.deps.Store.ListSections(ctx, rep.ID)
		if err != nil {
			return storeErr("list sections", err)
		}
		position := req.Position
		if position > len(existing) {
			position = len(existing)
		}

		msgs := addMessages(rep, existing, position, req.Instruction)
		content, usage, err := ed.streamText(ctx, run, model, msgs)
		if err != nil {
			return err
		}

		now := ed.deps.Now()
		html := RenderHTML(content)
		s := &Section{
			ID:       info.SectionID,
			ReportID: rep.ID,
			Type:     classifySection(content),
			Title:    headingTitle(content),
			Content:  content,
			HTML:     html,
			Order:    position,
			Version:  1,
			History: []EditEntry{{
				Version:     1,
				Content:     content,
				HTMLContent: html,
				Prompt:      req.Instruction,
				EditedBy:    editor,
				EditedAt:    now,
			}},
			Metadata:  SectionMetadata{Prompt: req.Instruction, Model: model, LastEditedBy: editor},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := ed.deps.Store.InsertSectionAt(ctx, s, position); err != nil {
			return storeErr("insert section", err)
		}
		ed.invalidateExports(ctx, rep.ID)

		run.emit(ctx, SectionDetected{Section: *s})
		run.emit(ctx, Completed{Summary: Summary{
			ReportID:         rep.ID,
			RunID:            run.ID,
			SectionID:        s.ID,
			Version:          s.Version,
			Title:            s.Title,
			Lead:             truncate(leadParagraph(s.Content), 240),
			SectionCount:     1,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			Cost:             ed.price(model).Cost(usage.PromptTokens, usage.CompletionTokens),
		}})
		logger.WithField("order", s.Order).Info("section added")
		return nil
	}, nil), nil
}

// RenameSection changes the title and/or type of a section as a new
// version with unchanged content.
func (ed *Editor) RenameSection(ctx context.Context, id, title string, kind SectionType, editor string) (*Section, error) {
	title = strings.TrimSpace(title)
	if title == "" && kind == "" {
		return nil, &ValidationError{Field: "title", Reason: "title or type is required"}
	}
	if kind != "" {
		if _, ok := ParseSectionType(string(kind)); !ok {
			return nil, &ValidationError{Field: "type", Reason: "unknown section type " + string(kind)}
		}
	}

	base, err := ed.deps.Store.GetSection(ctx, id)
	if err != nil {
		return nil, storeErr("get section", err)
	}
	editor = editorName(editor)

	committed, err := ed.commit(ctx, base, false, func(next *Section) {
		if title != "" {
			next.Title = title
		}
		if kind != "" {
			next.Type = kind
		}
		next.Metadata.Prompt = ""
		next.Metadata.LastEditedBy = editor
	})
	if err != nil {
		return nil, err
	}

	ed.deps.Publisher.Publish(context.WithoutCancel(ctx), Envelope{
		ReportID: committed.ReportID,
		Event:    SectionDetected{Section: *committed},
	})
	return committed, nil
}

// DeleteSection removes a section and renumbers the ones after it.
func (ed *Editor) DeleteSection(ctx context.Context, id string) error {
	s, err := ed.deps.Store.GetSection(ctx, id)
	if err != nil {
		return storeErr("get section", err)
	}
	if ed.deps.Runs.Busy(s.ReportID) {
		return &ConflictError{Resource: "report", ID: s.ReportID, Err: ErrRunInFlight}
	}
	removed, err := ed.deps.Store.DeleteSection(ctx, id)
	if errors.Is(err, ErrLastSection) {
		return &ValidationError{Field: "sectionId", Reason: "cannot delete the only section of an interactive report"}
	}
	if err != nil {
		return storeErr("delete section", err)
	}
	ed.invalidateExports(ctx, s.ReportID)
	ed.deps.Publisher.Publish(context.WithoutCancel(ctx), Envelope{
		ReportID: removed.ReportID,
		Event:    SectionRemoved{ReportID: removed.ReportID, SectionID: removed.ID, Order: removed.Order},
	})
	ed.log.WithFields(logrus.Fields{"section_id": id, "report_id": s.ReportID}).Info("section deleted")
	return nil
}

// ConvertToInteractive back-fills sections for a report generated without
// them. A report that already has sections is only flagged interactive.
func (ed *Editor) ConvertToInteractive(ctx context.Context, reportID string) (*Report, error) {
	rep, err := ed.deps.Store.GetReport(ctx, reportID)
	if err != nil {
		return nil, storeErr("get report", err)
	}
	if rep.Interactive {
		return ed.Report(ctx, reportID)
	}

	runID := uuid.NewString()
	if err := ed.deps.Runs.Acquire(reportID, runID); err != nil {
		return nil, err
	}
	defer ed.deps.Runs.Release(runID)

	existing, err := ed.deps.Store.ListSections(ctx, reportID)
	if err != nil {
		return nil, storeErr("list sections", err)
	}

	if len(existing) > 0 {
		parts := make([]string, 0, len(existing))
		for _, s := range existing {
			parts = append(parts, s.Content)
		}
		rep.Content = strings.Join(parts, "\n\n")
		rep.Interactive = true
		rep.UpdatedAt = ed.deps.Now()
		if err := ed.deps.Store.UpdateReport(ctx, rep); err != nil {
			return nil, storeErr("update report", err)
		}
	} else {
		asm := newSectionAssembler(1, 0)
		asm.buf.WriteString(rep.Content)
		drafts := asm.Flush()
		if len(drafts) == 0 {
			return nil, &ValidationError{Field: "content", Reason: "report has no content to split"}
		}

		now := ed.deps.Now()
		sections := make([]Section, 0, len(drafts))
		for _, d := range drafts {
			html := RenderHTML(d.Content)
			sections = append(sections, Section{
				ID:       uuid.NewString(),
				ReportID: reportID,
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
					EditedBy:    systemEditor,
					EditedAt:    now,
				}},
				Metadata:  SectionMetadata{Model: rep.Model, LastEditedBy: systemEditor},
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if err := ed.deps.Store.InsertSections(ctx, reportID, sections); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return nil, &ConflictError{Resource: "report", ID: reportID, Err: err}
			}
			return nil, storeErr("insert sections", err)
		}
	}

	ed.invalidateExports(ctx, reportID)
	ed.log.WithField("report_id", reportID).Info("report converted to interactive")
	return ed.Report(ctx, reportID)
}

// Section returns one section with its history.
func (ed *Editor) Section(ctx context.Context, id string) (*Section, error) {
	s, err := ed.deps.Store.GetSection(ctx, id)
	if err != nil {
		return nil, storeErr("get section", err)
	}
	return s, nil
}

// History returns the edit history of a section, oldest first.
func (ed *Editor) History(ctx context.Context, id string) ([]EditEntry, error) {
	s, err := ed.Section(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.History, nil
}

// commit applies mutate on top of base and writes it as the next version.
// On a version collision the section is re-read; when the change does not
// depend on content, or the content it was based on is unchanged, the
// commit is retried once against the newer version.
func (ed *Editor) commit(ctx context.Context, base *Section, dependsOnContent bool, mutate func(*Section)) (*Section, error) {
	current := base
	for attempt := 0; attempt < 2; attempt++ {
		next := current.clone()
		mutate(&next)
		next.Version = current.Version + 1
		next.UpdatedAt = ed.deps.Now()
		next.History = append(next.History, EditEntry{
			Version:     next.Version,
			Content:     next.Content,
			HTMLContent: next.HTML,
			Prompt:      next.Metadata.Prompt,
			EditedBy:    next.Metadata.LastEditedBy,
			EditedAt:    next.UpdatedAt,
		})

		err := ed.deps.Store.CommitSection(ctx, &next, current.Version)
		if err == nil {
			ed.invalidateExports(ctx, next.ReportID)
			return &next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, storeErr("commit section", err)
		}
		if attempt > 0 {
			break
		}

		latest, err := ed.deps.Store.GetSection(ctx, base.ID)
		if err != nil {
			return nil, storeErr("get section", err)
		}
		if dependsOnContent && latest.Content != base.Content {
			break
		}
		current = latest
	}
	return nil, &ConflictError{Resource: "section", ID: base.ID, Err: ErrVersionConflict}
}

// streamText relays a completion as ContentDelta events and returns the
// trimmed text with its usage.
func (ed *Editor) streamText(ctx context.Context, run *Run, model string, msgs []llm.Message) (string, llm.Usage, error) {
	stream, err := ed.deps.Stream.ChatCompletionStream(ctx, llm.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: ed.cfg.Temperature,
		MaxTokens:   ed.cfg.Limits.MaxOutputTokens,
	})
	if err != nil {
		return "", llm.Usage{}, &ProviderError{Op: "open stream", Err: err}
	}
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return "", llm.Usage{}, err
		}
		text := stream.Text()
		b.WriteString(text)
		run.emit(ctx, ContentDelta{Text: text})
	}
	if err := ctx.Err(); err != nil {
		return "", llm.Usage{}, err
	}
	if err := stream.Err(); err != nil {
		return "", llm.Usage{}, &ProviderError{Op: "stream", Err: err}
	}

	content := strings.TrimSpace(b.String())
	if content == "" {
		return "", llm.Usage{}, &ProviderError{Op: "stream", Err: errEmptyResponse}
	}

	usage := stream.Usage()
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage = llm.Usage{
			PromptTokens:     ed.deps.Tokens.Count(model, promptText(msgs)),
			CompletionTokens: ed.deps.Tokens.Count(model, content),
		}
	}
	return content, usage, nil
}

func editorName(editor string) string {
	if editor = strings.TrimSpace(editor); editor == "" {
		return "anonymous"
	}
	return editor
}
