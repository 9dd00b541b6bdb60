package flow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kevin-nav/sankosides/pkg/events"
	"github.com/Kevin-nav/sankosides/pkg/recovery"
	"github.com/Kevin-nav/sankosides/pkg/slides"
	"github.com/Kevin-nav/sankosides/pkg/stages"
)

// runPipeline is the detached generation task. Cancellation only comes from
// Close; the request that started the task has no say.
func (e *Engine) runPipeline(ctx context.Context, s *session) {
	defer e.tasks.Done()
	defer s.running.Store(false)

	s.usage.StartPipeline()
	err := e.generate(ctx, s)
	s.usage.EndPipeline()

	switch {
	case err == nil:
	case ctx.Err() != nil && isCancellation(err):
		e.logger.Session(s.id).Warn("Generation interrupted during %s; it resumes from the last checkpoint",
			s.current().CurrentStage)
	default:
		s.mu.Lock()
		e.failLocked(context.WithoutCancel(ctx), s, s.current().CurrentStage, err)
		s.mu.Unlock()
	}
}

// generate runs every stage whose output is missing, then loops QA until the
// average clears the threshold or the loop cap is reached. Stage outputs are
// checkpointed, so a resumed task repeats at most the stage it was in.
func (e *Engine) generate(ctx context.Context, s *session) error {
	if s.current().PlannedContent == nil {
		if err := e.planStage(ctx, s); err != nil {
			return err
		}
	}
	if s.current().RefinedContent == nil {
		if err := e.refineStage(ctx, s); err != nil {
			return err
		}
	}

	st := s.current()
	if st.Status == StatusQAInProgress && st.QAReport != nil && st.QAReport.Iteration == st.QALoops &&
		(st.QAReport.Meets() || st.QALoops >= st.MaxQALoops) {
		// Interrupted after the deciding QA pass was recorded.
		return e.finalize(ctx, s, st.QAReport)
	}
	switch {
	case st.GeneratedPresentation == nil || len(st.GeneratedPresentation.Slides) < len(st.RefinedContent.Slides):
		if err := e.generateStage(ctx, s, nil); err != nil {
			return err
		}
	case st.Status == StatusGenerating && st.QAReport != nil:
		// Interrupted between a failed QA pass and its regeneration.
		if err := e.generateStage(ctx, s, st.QAReport.Failing()); err != nil {
			return err
		}
	}

	for {
		report, done, err := e.qaStage(ctx, s)
		if err != nil {
			return err
		}
		if done {
			return e.finalize(ctx, s, report)
		}
		if err := e.generateStage(ctx, s, report.Failing()); err != nil {
			return err
		}
	}
}

// observe wraps a stage with duration metrics.
func (e *Engine) observe(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "success"
	switch {
	case err == nil:
	case isCancellation(err):
		outcome = "cancelled"
	case IsInfrastructure(err):
		outcome = "infrastructure"
	default:
		outcome = "failed"
	}
	e.recorder.ObserveStage(stage, outcome, time.Since(start))
	return err
}

func (e *Engine) stageStart(ctx context.Context, s *session, stage string, resetProgress int, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	data["stage"] = stage
	return e.update(ctx, s, persistNone, func(st *State) (*notice, error) {
		st.CurrentStage = stage
		if resetProgress >= 0 {
			st.SlidesCompleted = min(resetProgress, st.TotalSlides)
		}
		return &notice{typ: events.StageStart, data: data}, nil
	})
}

func (e *Engine) planStage(ctx context.Context, s *session) error {
	return e.observe(stages.Planner, func() error {
		if err := e.stageStart(ctx, s, stages.Planner, -1, nil); err != nil {
			return err
		}
		st := s.current()
		planned, err := retryInfra(ctx, e, s.id, stages.Planner, func(ctx context.Context) (*slides.PlannedContent, error) {
			return e.pipeline.Plan(ctx, e.env(s), st.OrderForm, st.Skeleton)
		})
		if err != nil {
			return err
		}
		return e.update(ctx, s, persistRetry, func(st *State) (*notice, error) {
			st.PlannedContent = planned
			return &notice{typ: events.StageComplete, data: map[string]any{
				"stage":  stages.Planner,
				"slides": len(planned.Slides),
			}}, nil
		})
	})
}

func (e *Engine) refineStage(ctx context.Context, s *session) error {
	return e.observe(stages.Refiner, func() error {
		if err := e.stageStart(ctx, s, stages.Refiner, 0, nil); err != nil {
			return err
		}
		st := s.current()
		planned := st.PlannedContent.Slides
		out := make([]slides.RefinedSlide, len(planned))

		err := e.fanOut(ctx, len(planned), func(ctx context.Context, i int) error {
			rs, err := retryInfra(ctx, e, s.id, stages.Refiner, func(ctx context.Context) (*slides.RefinedSlide, error) {
				return e.pipeline.RefineSlide(ctx, e.env(s), st.OrderForm, &planned[i])
			})
			if err != nil {
				return err
			}
			out[i] = *rs
			return e.progress(ctx, s, stages.Refiner, rs.Order)
		})
		if err != nil {
			return err
		}

		refined := &slides.RefinedContent{
			Title:          st.PlannedContent.Title,
			TargetAudience: st.PlannedContent.TargetAudience,
			ThemeID:        st.PlannedContent.ThemeID,
			CitationStyle:  st.PlannedContent.CitationStyle,
			Slides:         out,
		}
		refined.CountAssets()
		return e.update(ctx, s, persistRetry, func(st *State) (*notice, error) {
			st.RefinedContent = refined
			return &notice{typ: events.StageComplete, data: map[string]any{
				"stage":           stages.Refiner,
				"assets_rendered": refined.AssetsRendered,
				"assets_failed":   refined.AssetsFailed,
			}}, nil
		})
	})
}

// generateStage renders HTML for every refined slide, or only for the failing
// slides of a QA pass, which are regenerated with their issues as guidance.
func (e *Engine) generateStage(ctx context.Context, s *session, failing []slides.QAResult) error {
	return e.observe(stages.Generator, func() error {
		st := s.current()
		refined := st.RefinedContent.Slides

		type target struct {
			slide  *slides.RefinedSlide
			issues []string
		}
		var targets []target
		if failing == nil {
			for i := range refined {
				targets = append(targets, target{slide: &refined[i]})
			}
		} else {
			byOrder := make(map[int]*slides.RefinedSlide, len(refined))
			for i := range refined {
				byOrder[refined[i].Order] = &refined[i]
			}
			for _, res := range failing {
				if rs, ok := byOrder[res.Order]; ok {
					targets = append(targets, target{slide: rs, issues: res.Issues})
				}
			}
		}

		if err := e.stageStart(ctx, s, stages.Generator, st.TotalSlides-len(targets),
			map[string]any{"slides": len(targets), "regeneration": failing != nil}); err != nil {
			return err
		}

		out := make([]slides.GeneratedSlide, len(targets))
		err := e.fanOut(ctx, len(targets), func(ctx context.Context, i int) error {
			t := targets[i]
			gs, err := retryInfra(ctx, e, s.id, stages.Generator, func(ctx context.Context) (*slides.GeneratedSlide, error) {
				return e.pipeline.GenerateSlide(ctx, e.env(s), st.OrderForm, t.slide, t.issues)
			})
			if err != nil {
				return err
			}
			out[i] = *gs
			return e.progress(ctx, s, stages.Generator, gs.Order)
		})
		if err != nil {
			return err
		}

		return e.update(ctx, s, persistRetry, func(st *State) (*notice, error) {
			pres := st.GeneratedPresentation
			if pres == nil || failing == nil {
				pres = &slides.GeneratedPresentation{Title: st.RefinedContent.Title, ThemeID: st.OrderForm.ThemeID}
				st.GeneratedPresentation = pres
			}
			for _, gs := range out {
				if existing := pres.Slide(gs.Order); existing != nil {
					*existing = gs
				} else {
					pres.Slides = append(pres.Slides, gs)
				}
			}
			sort.Slice(pres.Slides, func(i, j int) bool { return pres.Slides[i].Order < pres.Slides[j].Order })
			return &notice{typ: events.StageComplete, data: map[string]any{
				"stage":            stages.Generator,
				"slides_completed": st.SlidesCompleted,
			}}, nil
		})
	})
}

// qaStage grades every slide and records the pass. done reports whether the
// session should complete.
func (e *Engine) qaStage(ctx context.Context, s *session) (*slides.QAReport, bool, error) {
	var report *slides.QAReport
	var done bool
	err := e.observe(stages.VisualQA, func() error {
		err := e.update(ctx, s, persistRetry, func(st *State) (*notice, error) {
			if st.Status != StatusQAInProgress {
				if err := st.TransitionTo(StatusQAInProgress); err != nil {
					return nil, err
				}
			}
			st.CurrentStage = stages.VisualQA
			return &notice{typ: events.StageStart, data: map[string]any{
				"stage":     stages.VisualQA,
				"iteration": st.QALoops + 1,
			}}, nil
		})
		if err != nil {
			return err
		}

		st := s.current()
		refined := make(map[int]*slides.RefinedSlide, len(st.RefinedContent.Slides))
		for i := range st.RefinedContent.Slides {
			refined[st.RefinedContent.Slides[i].Order] = &st.RefinedContent.Slides[i]
		}
		generated := st.GeneratedPresentation.Slides
		results := make([]slides.QAResult, len(generated))

		err = e.fanOut(ctx, len(generated), func(ctx context.Context, i int) error {
			gs := &generated[i]
			rs, ok := refined[gs.Order]
			if !ok {
				return recovery.NewStageError(stages.VisualQA, recovery.ContextLost, "",
					fmt.Errorf("generated slide %d has no refined source", gs.Order))
			}
			res, err := retryInfra(ctx, e, s.id, stages.VisualQA, func(ctx context.Context) (slides.QAResult, error) {
				return e.pipeline.GradeSlide(ctx, e.env(s), st.OrderForm, rs, gs)
			})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
		if err != nil {
			return err
		}

		return e.update(ctx, s, persistRetry, func(st *State) (*notice, error) {
			st.QALoops++
			report = slides.NewQAReport(results, st.QALoops, e.cfg.QAThreshold)
			st.QAReport = report
			done = report.Meets() || st.QALoops >= st.MaxQALoops
			if !done {
				if err := st.TransitionTo(StatusGenerating); err != nil {
					return nil, err
				}
			}
			return &notice{typ: events.StageComplete, data: map[string]any{
				"stage":         stages.VisualQA,
				"iteration":     st.QALoops,
				"average_score": report.AverageScore,
				"all_passed":    report.AllPassed,
				"failing":       len(report.Failing()),
			}}, nil
		})
	})
	return report, done, err
}

// finalize assembles the deck and completes the session.
func (e *Engine) finalize(ctx context.Context, s *session, report *slides.QAReport) error {
	pres := cloneValue(s.current().GeneratedPresentation)
	deck, err := e.pipeline.HTML().Deck(pres)
	if err != nil {
		return err
	}
	pres.HTML = deck
	pres.GeneratedAt = time.Now().UTC()

	err = e.update(ctx, s, persistDurable, func(st *State) (*notice, error) {
		if err := st.TransitionTo(StatusCompleted); err != nil {
			return nil, err
		}
		st.GeneratedPresentation = pres
		st.SlidesCompleted = st.TotalSlides
		return &notice{typ: events.Complete, data: map[string]any{
			"final_qa_score": report.AverageScore,
			"qa_loops":       st.QALoops,
			"slides":         len(pres.Slides),
		}}, nil
	})
	if err != nil {
		return err
	}
	e.logger.Session(s.id).Info("Presentation completed: %d slides, QA %.1f after %d pass(es)",
		len(pres.Slides), report.AverageScore, report.Iteration)
	return nil
}

// fanOut runs fn for 0..n-1 with at most MaxParallelSlides in flight. The first
// error cancels the rest.
func (e *Engine) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallelSlides)
	for i := range n {
		g.Go(func() error { return fn(gctx, i) })
	}
	return g.Wait()
}

// progress counts one finished slide, never beyond the total.
func (e *Engine) progress(ctx context.Context, s *session, stage string, order int) error {
	return e.update(ctx, s, persistNone, func(st *State) (*notice, error) {
		if st.SlidesCompleted < st.TotalSlides {
			st.SlidesCompleted++
		}
		return &notice{typ: events.SlideProgress, data: map[string]any{
			"stage":            stage,
			"slide":            order,
			"slides_completed": st.SlidesCompleted,
			"total_slides":     st.TotalSlides,
		}}, nil
	})
}

// syncFailure handles a stage error in a request-scoped operation. An
// escalation fails the session; anything else is returned for the caller to retry.
func (e *Engine) syncFailure(ctx context.Context, s *session, stage string, err error) error {
	if _, ok := asEscalation(err); ok {
		e.failLocked(ctx, s, stage, err)
	}
	return err
}

// failLocked moves the session to Failed, keeping partial outputs. The caller holds s.mu.
func (e *Engine) failLocked(ctx context.Context, s *session, stage string, cause error) {
	log := e.logger.Session(s.id)
	if s.current().Status.Terminal() {
		log.Warn("Ignoring %s failure on a finished session: %v", stage, cause)
		return
	}
	msg := cause.Error()
	reportID := ""
	if report, ok := asEscalation(cause); ok {
		reportID = report.ID
		msg = fmt.Sprintf("%s failed after %d recovery attempts (%s): %s",
			report.FailingAgent, len(report.HelperAttempts), report.FailureType, report.ErrorMessage)
	} else if IsInfrastructure(cause) {
		msg = "infrastructure failure: " + msg
	}

	err := e.apply(ctx, s, persistDurable, func(st *State) (*notice, error) {
		if err := st.TransitionTo(StatusFailed); err != nil {
			return nil, err
		}
		st.ErrorMessage = msg
		st.FailureReportID = reportID
		return &notice{typ: events.Error, data: map[string]any{
			"stage":             stage,
			"error":             msg,
			"failure_report_id": reportID,
		}}, nil
	})
	if err != nil {
		// The last durable status stays published, so Resume re-runs the stage.
		log.Error("Failed to record failure (%s): %v", msg, err)
		return
	}
	log.Error("Session failed at %s: %s", stage, msg)
}

func asEscalation(err error) (*recovery.FailureReport, bool) {
	return recovery.IsEscalation(err)
}
