package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/pdfq/internal/domain"
)

// TemplateSource loads a template visible to the tenant or team.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id, tenantID string, teamID *string) (*domain.Template, error)
}

// PlanSource returns the plan that bounds a tenant's output size.
type PlanSource interface {
	PlanFor(ctx context.Context, tenantID string) (domain.Plan, error)
}

// Executor turns a job into PDF bytes.
//
// Errors the tenant should see come back as *domain.JobError. Anything
// else (store unreachable, browser failed to launch, shutdown) is
// transient and the job should be retried.
type Executor struct {
	engine    Engine
	templates TemplateSource
	plans     PlanSource
	guard     URLChecker
	timeout   time.Duration
	logger    *zap.Logger
}

func NewExecutor(engine Engine, templates TemplateSource, plans PlanSource, guard URLChecker, timeout time.Duration, logger *zap.Logger) *Executor {
	return &Executor{
		engine:    engine,
		templates: templates,
		plans:     plans,
		guard:     guard,
		timeout:   timeout,
		logger:    logger,
	}
}

func (e *Executor) Render(ctx context.Context, job *domain.Job) ([]byte, error) {
	doc, err := e.resolve(ctx, job)
	if err != nil {
		return nil, err
	}
	doc.WaitFor = job.Options.WaitDuration()
	doc.PDF = PrintParams(job.Options)

	rctx, cancel := context.WithTimeout(ctx, e.timeout+doc.WaitFor)
	defer cancel()

	pdf, err := e.engine.Render(rctx, doc)
	if err != nil {
		return nil, e.classify(ctx, rctx, err)
	}

	plan, err := e.plans.PlanFor(ctx, job.TenantID)
	if err != nil {
		return nil, fmt.Errorf("render: plan lookup: %w", err)
	}
	if int64(len(pdf)) > plan.MaxPDFBytes {
		return nil, domain.NewJobError(domain.CodeSizeLimitExceeded, sizeMessage(len(pdf), plan), nil)
	}
	return pdf, nil
}

func (e *Executor) resolve(ctx context.Context, job *domain.Job) (Document, error) {
	switch job.InputType {
	case domain.InputHTML:
		if strings.TrimSpace(job.InputContent) == "" {
			return Document{}, domain.NewJobError(domain.CodeInvalidInput, "html input is empty", nil)
		}
		return Document{HTML: job.InputContent}, nil

	case domain.InputURL:
		if strings.TrimSpace(job.InputContent) == "" {
			return Document{}, domain.NewJobError(domain.CodeInvalidInput, "url input is empty", nil)
		}
		if err := e.guard.Check(ctx, job.InputContent); err != nil {
			return Document{}, domain.NewJobError(domain.CodeInvalidInput, err.Error(), err)
		}
		return Document{URL: job.InputContent}, nil

	case domain.InputTemplate:
		if job.TemplateID == nil || *job.TemplateID == "" {
			return Document{}, domain.NewJobError(domain.CodeInvalidInput, "template id is missing", nil)
		}
		tpl, err := e.templates.GetTemplate(ctx, *job.TemplateID, job.TenantID, job.TeamID)
		if errors.Is(err, domain.ErrNotFound) {
			return Document{}, domain.NewJobError(domain.CodeNotFound, "template not found", err)
		}
		if err != nil {
			return Document{}, fmt.Errorf("render: template lookup: %w", err)
		}
		return Document{HTML: Substitute(tpl.HTML, job.Options.Variables)}, nil
	}
	return Document{}, domain.NewJobError(domain.CodeInvalidInput,
		fmt.Sprintf("unknown input type %q", job.InputType), nil)
}

// classify maps an engine error. parent is the caller's context and rctx
// the render deadline derived from it.
func (e *Executor) classify(parent, rctx context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, ErrBrowserConnect), errors.Is(err, ErrPoolClosed):
		return err
	case errors.Is(rctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return domain.NewJobError(domain.CodeRenderTimeout,
			fmt.Sprintf("rendering did not finish within %s", e.timeout), err)
	case errors.Is(err, ErrNavigation):
		return domain.NewJobError(domain.CodeInvalidInput, "navigation to a non-public address was blocked", err)
	}
	e.logger.Warn("render failed", zap.Error(err))
	return domain.NewJobError(domain.CodeRenderFailed, "rendering failed", err)
}

func sizeMessage(n int, plan domain.Plan) string {
	limit := math.Round(float64(plan.MaxPDFBytes)/(1<<20)*10) / 10
	return fmt.Sprintf("PDF size %.1f MB exceeds the %s MB limit of the %s plan",
		float64(n)/(1<<20), strconv.FormatFloat(limit, 'f', -1, 64), plan.Name)
}
