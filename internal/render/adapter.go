package render

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/worker"
)

// TemplatingAdapter renders templated notifications before handing them to
// the wrapped adapter. Rows without a template id pass through untouched.
type TemplatingAdapter struct {
	inner   worker.Adapter
	catalog *Catalog
	logger  *zap.Logger
}

func NewTemplatingAdapter(inner worker.Adapter, catalog *Catalog, logger *zap.Logger) *TemplatingAdapter {
	return &TemplatingAdapter{inner: inner, catalog: catalog, logger: logger}
}

func (a *TemplatingAdapter) Channel() string { return a.inner.Channel() }

func (a *TemplatingAdapter) Send(ctx context.Context, notif *db.Notification) worker.Result {
	if notif.TemplateID == nil || *notif.TemplateID == "" {
		return a.inner.Send(ctx, notif)
	}

	out, err := a.catalog.Render(*notif.TemplateID, notif.TemplateVariables)
	if err != nil {
		a.logger.Warn("template render failed",
			zap.String("notification_id", notif.ID.String()),
			zap.String("template_id", *notif.TemplateID),
			zap.Error(err),
		)
		return worker.Failed("template", worker.ErrorCodeRender, err.Error())
	}

	// work on a copy; the dispatcher's row must keep its stored fields
	rendered := *notif
	if out.Subject != nil && (notif.Subject == nil || *notif.Subject == "") {
		rendered.Subject = out.Subject
	}
	if out.Text != nil {
		rendered.Message = *out.Text
	}
	if out.HTML != nil && notif.Channel == db.ChannelEmail {
		rendered.MessageHTML = out.HTML
	}

	return a.inner.Send(ctx, &rendered)
}
