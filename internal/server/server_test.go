package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"

	"github.com/maruel/reconsole/internal/annotate"
	"github.com/maruel/reconsole/internal/apiclient"
	"github.com/maruel/reconsole/internal/endpoint"
	"github.com/maruel/reconsole/internal/filter"
	"github.com/maruel/reconsole/internal/grid"
	"github.com/maruel/reconsole/internal/kvstore"
	"github.com/maruel/reconsole/internal/models"
	"github.com/maruel/reconsole/internal/notify"
	"github.com/maruel/reconsole/internal/server/ratelimit"
	"github.com/maruel/reconsole/internal/storage"
	"github.com/maruel/reconsole/internal/viewstate"
)

type testEnv struct {
	store  *storage.Store
	srv    *httptest.Server
	client *apiclient.Client
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	store, err := storage.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SeedDemo(t.Context()); err != nil {
		t.Fatal(err)
	}
	if cfg == nil {
		cfg = &Config{Version: "test"}
	}
	srv := httptest.NewServer(NewRouter(store, cfg))
	t.Cleanup(srv.Close)
	client, err := apiclient.New(srv.URL, apiclient.Options{Rate: -1})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{store: store, srv: srv, client: client}
}

func (e *testEnv) post(t *testing.T, path, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) models.ErrorResponse {
	t.Helper()
	var er models.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		t.Fatal(err)
	}
	return er
}

func TestHealthAndSchema(t *testing.T) {
	e := newTestEnv(t, nil)
	h, err := e.client.Health(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Version != "test" {
		t.Errorf("health = %+v", h)
	}
	raw, err := e.client.FilterSchema(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte("inet_in")) {
		t.Errorf("schema does not list the operators: %s", raw)
	}
}

func TestRequestID(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := http.Get(e.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestList(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name     string
		endpoint string
		filter   string
		want     []int64
	}{
		{"unfiltered", "/api/hosts/list", "", []int64{1, 2, 3, 4, 5}},
		{"flat filter", "/api/vulns/list", `Vuln.severity >= "high"`, []int64{3, 4}},
		{"view query is kept", "/api/services/list?instance=x", `Service.port == "22"`, []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := e.client.Fetch(t.Context(), models.RequestDescriptor{
				EndpointURL: tt.endpoint,
				Filter:      tt.filter,
				ListRequest: models.ListRequest{Draw: 7, PageSize: 10},
			})
			if err != nil {
				t.Fatal(err)
			}
			var got []int64
			for _, r := range env.Data {
				id, _ := r.ID()
				got = append(got, id)
			}
			if !slices.Equal(got, tt.want) || env.Draw != 7 {
				t.Errorf("got %v draw %d, want %v", got, env.Draw, tt.want)
			}
		})
	}
}

func TestListJSONFilter(t *testing.T) {
	e := newTestEnv(t, nil)
	g := filter.Group{Combinator: filter.And, Rules: []filter.Node{filter.RuleNode("Host.tags", filter.OpAny, "prod")}}
	q := url.Values{filter.ParamJSONFilter: {filter.Serialize(g)}}
	resp := e.post(t, "/api/hosts/list?"+q.Encode(), "application/json", `{"draw":1,"page_size":10}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var env models.ResponseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.RecordsFiltered != 1 {
		t.Errorf("recordsFiltered = %d", env.RecordsFiltered)
	}
}

func TestListErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name   string
		desc   models.RequestDescriptor
		status int
		code   models.ErrorCode
	}{
		{"bad filter", models.RequestDescriptor{EndpointURL: "/api/hosts/list", Filter: "Host.nope == 1", ListRequest: models.ListRequest{PageSize: 10}}, 400, models.ErrorCodeInvalidFilter},
		{"unknown table", models.RequestDescriptor{EndpointURL: "/api/users/list", ListRequest: models.ListRequest{PageSize: 10}}, 404, models.ErrorCodeTableNotFound},
		{"no page size", models.RequestDescriptor{EndpointURL: "/api/hosts/list"}, 400, models.ErrorCodeValidationFailed},
		{"page size too large", models.RequestDescriptor{EndpointURL: "/api/hosts/list", ListRequest: models.ListRequest{PageSize: maxPageSize + 1}}, 400, models.ErrorCodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.client.Fetch(t.Context(), tt.desc)
			apiErr, ok := apiclient.AsAPIError(err)
			if !ok {
				t.Fatalf("got %v", err)
			}
			if apiErr.StatusCode() != tt.status || apiErr.Code() != tt.code {
				t.Errorf("got %d %s", apiErr.StatusCode(), apiErr.Code())
			}
		})
	}
}

func TestUnknownJSONField(t *testing.T) {
	e := newTestEnv(t, nil)
	resp := e.post(t, "/api/hosts/list", "application/json", `{"page_size":10,"bogus":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	e := newTestEnv(t, &Config{MaxRequestBodyBytes: 64})
	body := `{"page_size":10,"search":"` + strings.Repeat("x", 100) + `"}`
	resp := e.post(t, "/api/hosts/list", "application/json", body)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if er := decodeError(t, resp); er.Error.Code != models.ErrorCodePayloadTooLarge {
		t.Errorf("code = %s", er.Error.Code)
	}
}

func TestRouterUpdate(t *testing.T) {
	store, err := storage.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	router := NewRouter(store, &Config{Version: "v1"})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	e := &testEnv{store: store, srv: srv}

	body := `{"page_size":10,"search":"` + strings.Repeat("x", 100) + `"}`
	if resp := e.post(t, "/api/hosts/list", "application/json", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	router.Update(Config{MaxRequestBodyBytes: 64})
	if resp := e.post(t, "/api/hosts/list", "application/json", body); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var h models.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Version != "v1" {
		t.Errorf("version = %q", h.Version)
	}
}

func TestRateLimited(t *testing.T) {
	limits := ratelimit.NewConfig(ratelimit.Limits{ReadPerMinute: 1, WritePerMinute: 1})
	t.Cleanup(limits.Close)
	e := newTestEnv(t, &Config{Limits: limits})
	first := e.post(t, "/api/hosts/list", "application/json", `{"page_size":10}`)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status %d", first.StatusCode)
	}
	if first.Header.Get("X-RateLimit-Remaining") == "" {
		t.Error("missing X-RateLimit-Remaining")
	}
	second := e.post(t, "/api/hosts/list", "application/json", `{"page_size":10}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status %d", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if er := decodeError(t, second); er.Error.Code != models.ErrorCodeRateLimitExceeded {
		t.Errorf("code = %s", er.Error.Code)
	}
	// Health is never limited.
	for range 3 {
		if _, err := e.client.Health(t.Context()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTagForm(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name   string
		path   string
		form   url.Values
		status int
		field  string
	}{
		{"ok", "/api/vulns/tag", url.Values{"id": {"1"}, "tag": {"a\nb"}, "action": {"set"}}, 200, ""},
		{"no id", "/api/vulns/tag", url.Values{"tag": {"a"}, "action": {"set"}}, 400, "id"},
		{"bad id", "/api/vulns/tag", url.Values{"id": {"x"}, "tag": {"a"}, "action": {"set"}}, 400, "id"},
		{"blank tag", "/api/vulns/tag", url.Values{"id": {"1"}, "tag": {"  "}, "action": {"set"}}, 400, "tag"},
		{"bad action", "/api/vulns/tag", url.Values{"id": {"1"}, "tag": {"a"}, "action": {"toggle"}}, 400, "action"},
		{"missing row", "/api/vulns/tag", url.Values{"id": {"99"}, "tag": {"a"}, "action": {"set"}}, 404, ""},
		{"bad endpoint", "/api/endpoints/tag", url.Values{"endpoint": {"{}"}, "tag": {"a"}, "action": {"set"}}, 400, "endpoint"},
		{"comment several", "/api/vulns/comment", url.Values{"id": {"1", "2"}, "comment": {"dup"}}, 200, ""},
		{"comment no id", "/api/vulns/comment", url.Values{"comment": {"x"}}, 400, "id"},
		{"comment missing row", "/api/vulns/comment", url.Values{"id": {"1", "99"}, "comment": {"x"}}, 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.post(t, tt.path, "application/x-www-form-urlencoded", tt.form.Encode())
			if resp.StatusCode != tt.status {
				t.Fatalf("status %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.field == "" {
				return
			}
			er := decodeError(t, resp)
			if _, ok := er.Details[tt.field]; !ok {
				t.Errorf("details %v lack %q", er.Details, tt.field)
			}
		})
	}
}

type gridEnv struct {
	*testEnv
	rec  *notify.Recorder
	host *grid.Host
}

func newGridEnv(t *testing.T, cfg *Config) *gridEnv {
	e := newTestEnv(t, cfg)
	rec := &notify.Recorder{}
	deps := grid.Deps{Fetcher: e.client, Notifier: rec, States: viewstate.New(kvstore.NewMemory())}
	return &gridEnv{testEnv: e, rec: rec, host: grid.NewHost(deps, grid.Options{PageSize: 10})}
}

func (e *gridEnv) mount(t *testing.T, table, requestURI string, fields ...string) *grid.Grid {
	t.Helper()
	key, err := viewstate.ParseKey(table, requestURI)
	if err != nil {
		t.Fatal(err)
	}
	cols := make([]grid.Column, len(fields))
	for i, f := range fields {
		cols[i] = grid.Column{Field: f}
	}
	g, err := e.host.Mount(t.Context(), grid.Spec{Key: key, Endpoint: "/api/" + table + "/list", Columns: cols})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func tagsByID(g *grid.Grid) map[int64][]string {
	out := map[int64][]string{}
	for _, r := range g.Rows() {
		id, _ := r.ID()
		out[id] = r.Tags()
	}
	return out
}

func TestGridBulkTagging(t *testing.T) {
	e := newGridEnv(t, &Config{ReportUnchanged: true})
	ctx := t.Context()
	q := url.Values{filter.ParamFilter: {`Host.address == "192.0.2.10"`}}
	g := e.mount(t, "vulns", "/vulns?"+q.Encode(), "id", "name", "severity", "tags")
	if ids := g.PageIDs(); !slices.Equal(ids, []int64{2, 3}) {
		t.Fatalf("page = %v", ids)
	}

	eng := annotate.New(e.client, g, g.Selection(), e.rec)
	g.Selection().SelectAll()
	if err := eng.ApplyToSelection(ctx, "/api/vulns/tag", annotate.Set, "Report"); err != nil {
		t.Fatal(err)
	}
	if n := g.Selection().Len(); n != 0 {
		t.Errorf("selection not cleared: %d", n)
	}
	// The grid reloaded and shows the server-normalized tags.
	tags := tagsByID(g)
	if !slices.Equal(tags[2], []string{"report", "todo"}) || !slices.Equal(tags[3], []string{"report"}) {
		t.Errorf("tags = %v", tags)
	}

	// Setting again is reported as unchanged by the server and is still a
	// success for the console.
	g.Selection().SelectAll()
	if err := eng.ApplyToSelection(ctx, "/api/vulns/tag", annotate.Set, "report"); err != nil {
		t.Fatal(err)
	}
	g.Selection().SelectAll()
	if err := eng.ApplyToSelection(ctx, "/api/vulns/tag", annotate.Unset, "report"); err != nil {
		t.Fatal(err)
	}
	if n := e.rec.Count(notify.Error); n != 0 {
		t.Errorf("notifications = %+v", e.rec.Messages())
	}
}

func TestGridTaggingFailure(t *testing.T) {
	e := newGridEnv(t, nil)
	ctx := t.Context()
	g := e.mount(t, "hosts", "/hosts", "id", "address", "tags")
	before := tagsByID(g)
	draw := g.Draw()

	eng := annotate.New(e.client, g, g.Selection(), e.rec)
	g.Selection().Toggle(1)
	err := eng.Apply(ctx, annotate.Mutation{URL: "/api/hosts/tag", IDs: []int64{1, 99}, Tags: []string{"x"}, Action: annotate.Set, Bulk: true})
	apiErr, ok := apiclient.AsAPIError(err)
	if !ok || apiErr.Code() != models.ErrorCodeNotFound {
		t.Fatalf("got %v", err)
	}
	if e.rec.Count(notify.Error) != 1 {
		t.Errorf("notifications = %+v", e.rec.Messages())
	}
	if g.Draw() != draw || !g.Selection().Has(1) {
		t.Error("failed mutation must not reload or clear the selection")
	}
	if after := tagsByID(g); !slices.Equal(after[1], before[1]) {
		t.Errorf("tags changed: %v", after[1])
	}
}

func TestGridEndpointTagging(t *testing.T) {
	e := newGridEnv(t, nil)
	ctx := t.Context()
	q := url.Values{filter.ParamFilter: {`Host.address inet_in "192.0.2.0/24" OR Host.address == "2001:db8::1"`}}
	g := e.mount(t, "endpoints", "/endpoints?"+q.Encode(), "id", "host_id", "service_id", "tags")
	ids, err := endpoint.ResolveAll(g.Rows())
	if err != nil {
		t.Fatal(err)
	}
	want := []endpoint.ID{
		endpoint.HostService{HostID: 2, ServiceID: 2},
		endpoint.HostService{HostID: 2, ServiceID: 3},
		endpoint.Host{HostID: 4},
	}
	if !slices.Equal(ids, want) {
		t.Fatalf("endpoints = %v", ids)
	}

	eng := annotate.New(e.client, g, g.Selection(), e.rec)
	if err := eng.Apply(ctx, annotate.Mutation{URL: "/api/endpoints/tag", Endpoints: ids, Tags: []string{"scope"}, Action: annotate.Set}); err != nil {
		t.Fatal(err)
	}
	for id, tags := range tagsByID(g) {
		if !slices.Equal(tags, []string{"scope"}) {
			t.Errorf("endpoint %d tags = %v", id, tags)
		}
	}
	// The host with services keeps its own tags.
	env, err := e.store.List(ctx, "hosts", `Host.id == "2"`, &models.ListRequest{PageSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := env.Data[0].Tags(); !slices.Equal(got, []string{"prod"}) {
		t.Errorf("host 2 tags = %v", got)
	}
}

func TestGridComment(t *testing.T) {
	e := newGridEnv(t, nil)
	ctx := t.Context()
	g := e.mount(t, "services", "/services", "id", "port", "comment")
	eng := annotate.New(e.client, g, g.Selection(), e.rec)
	if err := eng.Comment(ctx, "/api/services/comment", 2, "default vhost"); err != nil {
		t.Fatal(err)
	}
	var got string
	for _, r := range g.Rows() {
		if id, _ := r.ID(); id == 2 {
			got, _ = r["comment"].(string)
		}
	}
	if got != "default vhost" {
		t.Errorf("comment = %q", got)
	}
}

func TestGridBulkComment(t *testing.T) {
	e := newGridEnv(t, nil)
	ctx := t.Context()
	g := e.mount(t, "services", "/services", "id", "port", "comment")
	eng := annotate.New(e.client, g, g.Selection(), e.rec)
	g.Selection().SelectIDs([]int64{1, 3})
	if err := eng.CommentSelection(ctx, "/api/services/comment", "scanned"); err != nil {
		t.Fatal(err)
	}
	if g.Selection().Len() != 0 {
		t.Errorf("selection = %v", g.Selection().IDs())
	}
	var got []int64
	for _, r := range g.Rows() {
		if r["comment"] == "scanned" {
			id, _ := r.ID()
			got = append(got, id)
		}
	}
	if !slices.Equal(got, []int64{1, 3}) {
		t.Errorf("commented = %v", got)
	}
}
