package response

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/yagydev/animalmela/pkg/errorbank"
)

// Envelope is the body of every JSON response the order API writes.
type Envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ErrorBody carries the errorbank fields clients branch on. Code is stable;
// Message is for humans.
type ErrorBody struct {
	Kind    string         `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Builder accumulates status, payload and meta for one response.
type Builder struct {
	ctx    echo.Context
	status int
	data   any
	err    error
	meta   map[string]any
}

// New starts a 200 response for ctx.
func New(ctx echo.Context) *Builder {
	return &Builder{ctx: ctx, status: http.StatusOK}
}

// WithStatus overrides the status code. For errors it replaces the status
// derived from the error kind only when it is itself an error status.
func (b *Builder) WithStatus(status int) *Builder {
	if status > 0 {
		b.status = status
	}
	return b
}

// WithData sets the success payload.
func (b *Builder) WithData(data any) *Builder {
	b.data = data
	return b
}

// WithError switches the response to the error envelope.
func (b *Builder) WithError(err error) *Builder {
	b.err = err
	return b
}

// WithPage records list paging. has_more lets clients stop without counting.
func (b *Builder) WithPage(total, limit, offset int) *Builder {
	return b.WithMeta("total", total).
		WithMeta("limit", limit).
		WithMeta("offset", offset).
		WithMeta("has_more", offset+limit < total)
}

// WithMeta adds one meta entry; empty keys are ignored.
func (b *Builder) WithMeta(key string, value any) *Builder {
	if key == "" {
		return b
	}
	if b.meta == nil {
		b.meta = make(map[string]any)
	}
	b.meta[key] = value
	return b
}

// Build writes the envelope.
func (b *Builder) Build() error {
	if id := b.ctx.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		b.WithMeta("request_id", id)
	}

	env := Envelope{Success: b.err == nil, Meta: b.meta}
	status := b.status
	if b.err == nil {
		env.Data = b.data
	} else {
		appErr := errorbank.From(b.err)
		if status < http.StatusBadRequest {
			status = appErr.StatusCode()
		}
		env.Error = &ErrorBody{
			Kind:    string(appErr.Kind()),
			Code:    appErr.Code(),
			Message: appErr.Message(),
			Details: appErr.Details(),
		}
	}
	return b.ctx.JSON(status, env)
}
