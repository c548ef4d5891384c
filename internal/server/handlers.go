// Implements the list, mutation, schema and health endpoints.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/invopop/jsonschema"
	"github.com/maruel/reconsole/internal/annotate"
	"github.com/maruel/reconsole/internal/endpoint"
	"github.com/maruel/reconsole/internal/filter"
	"github.com/maruel/reconsole/internal/models"
	"github.com/maruel/reconsole/internal/server/reqctx"
	"github.com/maruel/reconsole/internal/storage"
)

// maxPageSize bounds page_size so one request cannot dump a whole table.
const maxPageSize = 10000

type emptyRequest struct{}

func (*emptyRequest) Validate() error { return nil }

type listRequest struct {
	Table      string `json:"-" path:"table"`
	Filter     string `json:"-" query:"filter"`
	JSONFilter string `json:"-" query:"jsonfilter"`
	models.ListRequest
}

func (r *listRequest) Validate() error {
	if r.PageSize > maxPageSize {
		return models.InvalidField("page_size", fmt.Sprintf("must be at most %d", maxPageSize))
	}
	return r.ListRequest.Validate()
}

// expression returns the flat filter of the request. A flat filter wins
// over a rule-tree.
func (r *listRequest) expression() string {
	switch {
	case r.Filter != "":
		return r.Filter
	case r.JSONFilter != "":
		return filter.Tree(filter.Parse(r.JSONFilter)).Expression()
	}
	return ""
}

// tagForm holds the tag fields shared by row and endpoint mutations.
type tagForm struct {
	Tags   []string
	Action annotate.Action
}

func (f *tagForm) decode(form url.Values) {
	f.Tags = form[annotate.FieldTag]
	f.Action = annotate.Action(form.Get(annotate.FieldAction))
}

func (f *tagForm) validate() error {
	if _, ok := storage.NormalizeTags(f.Tags); !ok {
		return models.MissingField(annotate.FieldTag)
	}
	if err := f.Action.Validate(); err != nil {
		return models.InvalidField(annotate.FieldAction, "must be set or unset")
	}
	return nil
}

type tagRequest struct {
	Table string `json:"-" path:"table"`
	IDs   []int64
	tagForm
}

func (r *tagRequest) DecodeForm(form url.Values) error {
	ids, err := parseIDs(form[annotate.FieldID])
	if err != nil {
		return err
	}
	r.IDs = ids
	r.decode(form)
	return nil
}

func (r *tagRequest) Validate() error {
	if len(r.IDs) == 0 {
		return models.MissingField(annotate.FieldID)
	}
	return r.validate()
}

type endpointTagRequest struct {
	Endpoints []endpoint.ID
	tagForm
}

func (r *endpointTagRequest) DecodeForm(form url.Values) error {
	for _, s := range form[endpoint.FormField] {
		id, err := endpoint.Decode(s)
		if err != nil {
			return models.InvalidField(endpoint.FormField, err.Error())
		}
		r.Endpoints = append(r.Endpoints, id)
	}
	r.decode(form)
	return nil
}

func (r *endpointTagRequest) Validate() error {
	if len(r.Endpoints) == 0 {
		return models.MissingField(endpoint.FormField)
	}
	return r.validate()
}

type commentRequest struct {
	Table   string `json:"-" path:"table"`
	IDs     []int64
	Comment string
}

func (r *commentRequest) DecodeForm(form url.Values) error {
	ids, err := parseIDs(form[annotate.FieldID])
	if err != nil {
		return err
	}
	r.IDs = ids
	r.Comment = form.Get(annotate.FieldComment)
	return nil
}

func (r *commentRequest) Validate() error {
	if len(r.IDs) == 0 {
		return models.MissingField(annotate.FieldID)
	}
	return nil
}

func parseIDs(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return nil, models.InvalidField(annotate.FieldID, fmt.Sprintf("invalid id %q", v))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// handlers serves the API over a store.
type handlers struct {
	store *storage.Store
	env   *env
}

func (h *handlers) health(_ context.Context, _ *emptyRequest) (*models.HealthResponse, error) {
	return &models.HealthResponse{Status: "ok", Version: h.env.cfg.Load().Version}, nil
}

func (h *handlers) filterSchema(_ context.Context, _ *emptyRequest) (*jsonschema.Schema, error) {
	return filter.Schema(), nil
}

func (h *handlers) list(ctx context.Context, req *listRequest) (*models.ResponseEnvelope, error) {
	return h.store.List(ctx, req.Table, req.expression(), &req.ListRequest)
}

func (h *handlers) tag(ctx context.Context, req *tagRequest) (*models.MessageResponse, error) {
	n, err := h.store.Tag(ctx, req.Table, req.IDs, req.Tags, req.Action == annotate.Unset)
	return h.tagResult(ctx, n, len(req.IDs), req.Action, err)
}

func (h *handlers) tagEndpoints(ctx context.Context, req *endpointTagRequest) (*models.MessageResponse, error) {
	n, err := h.store.TagEndpoints(ctx, req.Endpoints, req.Tags, req.Action == annotate.Unset)
	return h.tagResult(ctx, n, len(req.Endpoints), req.Action, err)
}

func (h *handlers) tagResult(ctx context.Context, changed, targets int, action annotate.Action, err error) (*models.MessageResponse, error) {
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Tag request", "action", action, "targets", targets, "changed", changed, "ip", reqctx.ClientIP(ctx))
	if changed == 0 && h.env.cfg.Load().ReportUnchanged {
		if action == annotate.Unset {
			return nil, models.TagUnchanged("Tag already absent")
		}
		return nil, models.TagUnchanged("Tag already set")
	}
	return &models.MessageResponse{Message: fmt.Sprintf("%d of %d rows updated", changed, targets)}, nil
}

func (h *handlers) comment(ctx context.Context, req *commentRequest) (*models.MessageResponse, error) {
	if err := h.store.Comment(ctx, req.Table, req.IDs, req.Comment); err != nil {
		return nil, err
	}
	if req.Comment == "" {
		return &models.MessageResponse{Message: "Comment removed"}, nil
	}
	return &models.MessageResponse{Message: "Comment saved"}, nil
}
