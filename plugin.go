package mailstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbaliyan/mailstore/store"
)

// Plugin defines the interface for service extensions.
//
// For observing committed mutations, use the event system instead
// (Service.Events()).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when service connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when service closes.
	Close(ctx context.Context) error
}

// AppendHook is called around appends. Quota checks, spam filtering and
// content scanning hook in here.
type AppendHook interface {
	Plugin
	// BeforeAppend is called before any UID is reserved. Return an error to reject.
	BeforeAppend(ctx context.Context, mailbox *store.Mailbox, msg *store.Message) error
	// AfterAppend is called after the append committed. Errors are logged;
	// the message stays appended.
	AfterAppend(ctx context.Context, mailbox *store.Mailbox, md store.MessageMetaData) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all    []Plugin
	append []AppendHook
	logger *slog.Logger
}

func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(AppendHook); ok {
		r.append = append(r.append, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

func (r *pluginRegistry) beforeAppend(ctx context.Context, mailbox *store.Mailbox, msg *store.Message) error {
	for _, h := range r.append {
		if err := h.BeforeAppend(ctx, mailbox, msg); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeAppend", Err: err}
		}
	}
	return nil
}

// afterAppend runs every hook; failures are logged, not returned.
func (r *pluginRegistry) afterAppend(ctx context.Context, mailbox *store.Mailbox, md store.MessageMetaData) {
	for _, h := range r.append {
		if err := h.AfterAppend(ctx, mailbox, md); err != nil {
			r.logger.Warn("append hook failed",
				"plugin", h.Name(), "mailbox_id", mailbox.ID, "uid", md.UID, "error", err)
		}
	}
}
