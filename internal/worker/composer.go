package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/template"
)

// Composer turns a decision into ready-to-queue subject and body text.
// Per-contact overrides from custom_contact_messages win over the file
// templates.
type Composer struct {
	store    composerStore
	resolver *template.Resolver
	renderer *template.Renderer
}

type composerStore interface {
	ActiveCustomMessage(ctx context.Context, contactID int64, messageType string) (*domain.CustomMessage, error)
}

func NewComposer(store composerStore, resolver *template.Resolver, renderer *template.Renderer) *Composer {
	return &Composer{store: store, resolver: resolver, renderer: renderer}
}

// RenderContext assembles the substitution map for a contact/event pair.
// Every key a template might reference is present; empty values fail at
// render time only if the template actually uses them.
func RenderContext(c *domain.Contact, e *domain.Event) map[string]string {
	parts := template.SplitName(c.Name, nullStr(c.Prefix))
	ctx := parts.Context()

	ctx["email"] = c.PrimaryEmail()
	ctx["stage"] = c.Stage
	ctx["org_name"] = nullStr(e.OrgName)
	ctx["city"] = nullStr(e.City)
	ctx["venue"] = nullStr(e.Venue)
	ctx["date2"] = nullStr(e.Date2)
	ctx["month"] = nullStr(e.Month)
	ctx["event_name"] = nullStr(e.EventName)
	ctx["sender_email"] = e.SenderEmail
	ctx["forms_link"] = nullStr(c.FormsLink)
	ctx["payment_link"] = nullStr(c.PaymentLink)
	ctx["invoice_number"] = nullStr(c.InvoiceNumber)
	ctx["assigned_to"] = nullStr(c.AssignedTo)
	return ctx
}

// Compose resolves and renders the subject and body for an action. The
// subject is used verbatim; no stage prefixes are prepended.
func (cp *Composer) Compose(ctx context.Context, c *domain.Contact, e *domain.Event, action *Action) (subject, body string, err error) {
	renderCtx := RenderContext(c, e)

	if override, err := cp.store.ActiveCustomMessage(ctx, c.ID, string(action.MessageType)); err != nil {
		return "", "", err
	} else if override != nil {
		subject, err = cp.renderer.Render(override.Subject, renderCtx)
		if err != nil {
			return "", "", fmt.Errorf("render custom subject for %s: %w", action.MessageType, err)
		}
		body, err = cp.renderer.Render(override.Body, renderCtx)
		if err != nil {
			return "", "", fmt.Errorf("render custom body for %s: %w", action.MessageType, err)
		}
		return subject, body, nil
	}

	subjectTmpl, err := cp.resolver.Resolve(template.Key{
		Type:         action.TemplateType,
		Part:         template.PartSubject,
		ReminderType: action.TemplateReminder,
	})
	if err != nil {
		return "", "", err
	}
	bodyTmpl, err := cp.resolver.Resolve(template.Key{
		Type:         action.TemplateType,
		Part:         template.PartBody,
		ReminderType: action.TemplateReminder,
	})
	if err != nil {
		return "", "", err
	}

	subject, err = cp.renderer.Render(subjectTmpl, renderCtx)
	if err != nil {
		return "", "", fmt.Errorf("render subject for %s: %w", action.MessageType, err)
	}
	body, err = cp.renderer.Render(bodyTmpl, renderCtx)
	if err != nil {
		return "", "", fmt.Errorf("render body for %s: %w", action.MessageType, err)
	}
	return subject, body, nil
}

// ComposeFlowStep renders an operator-authored custom flow step.
func (cp *Composer) ComposeFlowStep(c *domain.Contact, e *domain.Event, step domain.CustomFlowStep) (subject, body string, err error) {
	renderCtx := RenderContext(c, e)
	subject, err = cp.renderer.Render(step.Subject, renderCtx)
	if err != nil {
		return "", "", fmt.Errorf("render flow step %d subject: %w", step.StepOrder, err)
	}
	body, err = cp.renderer.Render(step.Body, renderCtx)
	if err != nil {
		return "", "", fmt.Errorf("render flow step %d body: %w", step.StepOrder, err)
	}
	return subject, body, nil
}

func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return strings.TrimSpace(ns.String)
	}
	return ""
}
