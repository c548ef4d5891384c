// Implements the commands talking to an API server.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maruel/reconsole/internal/annotate"
	"github.com/maruel/reconsole/internal/apiclient"
	"github.com/maruel/reconsole/internal/config"
	"github.com/maruel/reconsole/internal/endpoint"
	"github.com/maruel/reconsole/internal/filter"
	"github.com/maruel/reconsole/internal/grid"
	"github.com/maruel/reconsole/internal/kvstore"
	"github.com/maruel/reconsole/internal/models"
	"github.com/maruel/reconsole/internal/notify"
	"github.com/maruel/reconsole/internal/prefs"
	"github.com/maruel/reconsole/internal/selection"
	"github.com/maruel/reconsole/internal/storage"
	"github.com/maruel/reconsole/internal/viewstate"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// viewInstance names the grid instance of CLI views in the session store.
const viewInstance = "cli"

// clientCommand holds the flags and collaborators of commands that talk to
// a server.
type clientCommand struct {
	*common
	serverURL *string
	cfg       *config.Console
	client    *apiclient.Client
}

func newClientCommand(name string) *clientCommand {
	c := newCommon(name)
	return &clientCommand{
		common:    c,
		serverURL: c.fs.String("server", "http://localhost:8080", "API server URL"),
	}
}

func (c *clientCommand) parse(args []string) error {
	if err := c.common.parse(args); err != nil {
		return err
	}
	c.override("server", "SERVER", c.serverURL)
	cfg, err := config.Load(*c.dataDir)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.client, err = apiclient.New(*c.serverURL, cfg.Client.Options())
	return err
}

// viewKey returns the key of the view of table filtered by expr.
func viewKey(table, expr string) (viewstate.Key, error) {
	u := url.URL{Path: "/" + table}
	if expr != "" {
		filter.ApplyFlatToURL(&u, expr)
	}
	return viewstate.ParseKey(viewInstance, u.String())
}

// tableColumns returns the columns for fields, or every field of the table
// when fields is empty.
func tableColumns(table, fields string) ([]grid.Column, error) {
	var names []string
	if fields != "" {
		for f := range strings.SplitSeq(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				names = append(names, f)
			}
		}
	} else {
		t, ok := storage.LookupTable(table)
		if !ok {
			return nil, fmt.Errorf("unknown table %q, use -columns", table)
		}
		names = t.FieldNames()
	}
	cols := make([]grid.Column, len(names))
	for i, n := range names {
		cols[i] = grid.Column{Field: n, Title: strings.ToUpper(n)}
	}
	return cols, nil
}

// parseOrder parses "field:dir,field:dir" against cols.
func parseOrder(s string, cols []grid.Column) ([]models.SortColumn, error) {
	var order []models.SortColumn
	for item := range strings.SplitSeq(s, ",") {
		field, dir, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok {
			dir = string(models.Asc)
		}
		idx := -1
		for i := range cols {
			if cols[i].Field == field {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("order: unknown column %q", field)
		}
		d := models.Direction(strings.ToLower(dir))
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("order: %w", err)
		}
		order = append(order, models.SortColumn{Column: idx, Direction: d})
	}
	return order, nil
}

// notifications fails when the recorder holds an error notification.
func notifications(rec *notify.Recorder) error {
	var msgs []string
	for _, m := range rec.Messages() {
		if m.Level == notify.Error {
			msgs = append(msgs, m.Text)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "; "))
}

// openSession resumes session id in dir, or starts a new one when id is
// empty.
func openSession(ctx context.Context, dir, id string) (*kvstore.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if id != "" {
		return kvstore.ResumeSession(dir, id)
	}
	f, err := kvstore.NewSession(dir)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Started session, pass -session to resume it", "session", f.Session())
	return f, nil
}

func cmdList(args []string) error {
	c := newClientCommand("list")
	table := c.fs.String("table", "hosts", "Table to list")
	fields := c.fs.String("columns", "", "Comma separated fields to show (default: every field of the table)")
	expr := c.fs.String("filter", "", `Flat filter expression, e.g. Host.address inet_in "10.0.0.0/8"`)
	search := c.fs.String("search", "", "Global search term")
	page := c.fs.Int("page", 0, "Zero-based page")
	length := c.fs.Int("length", 0, "Rows per page (default: saved or configured page size)")
	order := c.fs.String("order", "", "Sort order as field:asc|desc, comma separated")
	session := c.fs.String("session", "", "Session to resume; view state is restored from it")
	end := c.fs.Bool("end-session", false, "Delete the session log after listing")
	prune := c.fs.Bool("prune-sessions", false, "Delete every other session log")
	idsOnly := c.fs.Bool("ids", false, "Print the id of every matching row instead of one page")
	if err := c.parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	sessDir := filepath.Join(*c.dataDir, "sessions")
	kv, err := openSession(ctx, sessDir, *session)
	if err != nil {
		return err
	}
	if *prune {
		n, err := kvstore.PruneSessions(sessDir, kv.Session())
		if err != nil {
			return fmt.Errorf("failed to prune sessions: %w", err)
		}
		slog.InfoContext(ctx, "Pruned sessions", "count", n)
	}
	p := prefs.New(kv, prefs.Defaults{TagColors: c.cfg.TagColors, Toolbar: c.cfg.Toolbar})

	cols, err := tableColumns(*table, *fields)
	if err != nil {
		return err
	}
	key, err := viewKey(*table, *expr)
	if err != nil {
		return err
	}
	rec := &notify.Recorder{}
	host := grid.NewHost(grid.Deps{Fetcher: c.client, Notifier: rec, States: viewstate.New(kv)}, c.cfg.Grid)
	g, err := host.Mount(ctx, grid.Spec{Key: key, Endpoint: "/api/" + *table + "/list", Columns: cols})
	if err != nil {
		return err
	}
	defer host.Unmount()

	if c.isSet("search") {
		err = g.Search(ctx, *search)
	}
	if err == nil && *order != "" {
		var o []models.SortColumn
		if o, err = parseOrder(*order, cols); err == nil {
			err = g.SetOrder(ctx, o)
		}
	}
	if err == nil && *length > 0 {
		err = g.SetLength(ctx, *length)
	}
	if err == nil && c.isSet("page") {
		err = g.SetPage(ctx, *page)
	}
	if err == nil {
		err = notifications(rec)
	}
	if err != nil {
		return err
	}

	if *idsOnly {
		ids, err := g.FilteredIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	} else {
		color := isatty.IsTerminal(os.Stdout.Fd())
		printRows(colorable.NewColorable(os.Stdout), g, p, color)
		total, filtered := g.Records()
		st := g.State()
		fmt.Fprintf(os.Stderr, "page %d, %d rows of %d filtered, %d total\n", st.Page, len(g.Rows()), filtered, total)
	}
	if *end {
		return kv.End()
	}
	return nil
}

// printRows writes the visible columns of the current page aligned on
// spaces. Tags are coloured from the preferences when color is set.
func printRows(w io.Writer, g *grid.Grid, p *prefs.Prefs, color bool) {
	var cols []grid.Column
	for _, col := range g.Columns() {
		if col.Visible() {
			cols = append(cols, col)
		}
	}
	rows := g.Rows()
	cells := make([][]string, len(rows)+1)
	widths := make([]int, len(cols))
	cells[0] = make([]string, len(cols))
	for i := range cols {
		cells[0][i] = cols[i].Title
		widths[i] = len(cols[i].Title)
	}
	for r, row := range rows {
		cells[r+1] = make([]string, len(cols))
		for i := range cols {
			s := cols[i].Cell(row)
			cells[r+1][i] = s
			widths[i] = max(widths[i], len(s))
		}
	}
	for r, line := range cells {
		var b strings.Builder
		for i, s := range line {
			out := s
			if color && r > 0 && cols[i].Field == "tags" {
				out = colorTags(rows[r-1].Tags(), p)
			}
			b.WriteString(out)
			if i < len(line)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len(s)+2))
			}
		}
		b.WriteByte('\n')
		_, _ = io.WriteString(w, b.String())
	}
}

// colorTags renders tags with their configured colour as ANSI sequences.
func colorTags(tags []string, p *prefs.Prefs) string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t
		if r, g, b, ok := parseHexColor(p.TagColor(t)); ok {
			out[i] = fmt.Sprintf("\x1b[38;2;%d;%d;%dm%s\x1b[0m", r, g, b, t)
		}
	}
	return strings.Join(out, ", ")
}

func parseHexColor(s string) (r, g, b uint8, ok bool) {
	s, found := strings.CutPrefix(s, "#")
	if !found {
		return 0, 0, 0, false
	}
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), true //nolint:gosec // G115: masked by the shifts of a 24 bit value
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item == "" {
			continue
		}
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", item)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func cmdTag(args []string) error {
	c := newClientCommand("tag")
	table := c.fs.String("table", "vulns", "Table holding the rows; endpoints tags hosts and services")
	idList := c.fs.String("id", "", "Comma separated row ids")
	expr := c.fs.String("filter", "", "Tag every row matching this flat filter expression instead of -id")
	unset := c.fs.Bool("unset", false, "Remove the tags instead of adding them")
	var tags stringList
	c.fs.Var(&tags, "tag", "Tag to set or unset; repeatable")
	if err := c.parse(args); err != nil {
		return err
	}
	if len(tags) == 0 {
		return errors.New("-tag is required")
	}
	if (*idList == "") == (*expr == "") {
		return errors.New("exactly one of -id and -filter is required")
	}
	ctx := context.Background()
	action := annotate.Set
	if *unset {
		action = annotate.Unset
	}
	rec := &notify.Recorder{}

	if *idList != "" {
		ids, err := parseIDList(*idList)
		if err != nil {
			return err
		}
		eng := annotate.New(c.client, nil, nil, rec)
		return eng.Apply(ctx, annotate.Mutation{URL: "/api/" + *table + "/tag", IDs: ids, Tags: tags, Action: action})
	}

	fields := "id"
	if *table == "endpoints" {
		fields = strings.Join([]string{"id", endpoint.FieldHostID, endpoint.FieldServiceID}, ",")
	}
	host, g, err := c.mountFiltered(ctx, *table, *expr, fields, rec)
	if err != nil {
		return err
	}
	defer host.Unmount()
	eng := annotate.New(c.client, g, g.Selection(), rec)

	if *table != "endpoints" {
		ids, err := g.FilteredIDs(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			slog.InfoContext(ctx, "No row matches the filter")
			return nil
		}
		g.Selection().SelectIDs(ids)
		slog.InfoContext(ctx, "Tagging rows", "count", len(ids))
		return eng.ApplyToSelection(ctx, "/api/"+*table+"/tag", action, tags...)
	}

	targets, err := allEndpoints(ctx, g)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		slog.InfoContext(ctx, "No endpoint matches the filter")
		return nil
	}
	slog.InfoContext(ctx, "Tagging endpoints", "count", len(targets))
	return eng.Apply(ctx, annotate.Mutation{URL: "/api/endpoints/tag", Endpoints: targets, Tags: tags, Action: action})
}

// allEndpoints pages through g and resolves the endpoint of every row.
func allEndpoints(ctx context.Context, g *grid.Grid) ([]endpoint.ID, error) {
	opts := g.Options()
	if err := g.SetLength(ctx, opts.MaxLength()); err != nil {
		return nil, err
	}
	var out []endpoint.ID
	for page := 0; ; page++ {
		if page > 0 {
			if err := g.SetPage(ctx, page); err != nil {
				return nil, err
			}
		}
		rows := g.Rows()
		ids, err := endpoint.ResolveAll(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
		if _, filtered := g.Records(); len(rows) == 0 || len(out) >= filtered {
			return out, nil
		}
	}
}

// mountFiltered mounts a grid over table restricted to expr, showing fields.
func (c *clientCommand) mountFiltered(ctx context.Context, table, expr, fields string, rec *notify.Recorder) (*grid.Host, *grid.Grid, error) {
	key, err := viewKey(table, expr)
	if err != nil {
		return nil, nil, err
	}
	cols, err := tableColumns(table, fields)
	if err != nil {
		return nil, nil, err
	}
	host := grid.NewHost(grid.Deps{Fetcher: c.client, Notifier: rec}, c.cfg.Grid)
	g, err := host.Mount(ctx, grid.Spec{Key: key, Endpoint: "/api/" + table + "/list", Columns: cols})
	if err != nil {
		return nil, nil, err
	}
	if err := notifications(rec); err != nil {
		host.Unmount()
		return nil, nil, err
	}
	return host, g, nil
}

func cmdComment(args []string) error {
	c := newClientCommand("comment")
	table := c.fs.String("table", "vulns", "Table holding the rows")
	idList := c.fs.String("id", "", "Comma separated row ids")
	expr := c.fs.String("filter", "", "Comment every row matching this flat filter expression instead of -id")
	text := c.fs.String("text", "", "Comment; empty removes it")
	if err := c.parse(args); err != nil {
		return err
	}
	if (*idList == "") == (*expr == "") {
		return errors.New("exactly one of -id and -filter is required")
	}
	ctx := context.Background()
	endpointURL := "/api/" + *table + "/comment"
	rec := &notify.Recorder{}

	if *idList != "" {
		ids, err := parseIDList(*idList)
		if err != nil {
			return err
		}
		eng := annotate.New(c.client, nil, nil, rec)
		if len(ids) == 1 {
			return eng.Comment(ctx, endpointURL, ids[0], *text)
		}
		sel := selection.New(staticPage(ids))
		sel.SelectAll()
		return annotate.New(c.client, nil, sel, rec).CommentSelection(ctx, endpointURL, *text)
	}

	host, g, err := c.mountFiltered(ctx, *table, *expr, "id", rec)
	if err != nil {
		return err
	}
	defer host.Unmount()
	ids, err := g.FilteredIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		slog.InfoContext(ctx, "No row matches the filter")
		return nil
	}
	g.Selection().SelectIDs(ids)
	slog.InfoContext(ctx, "Commenting rows", "count", len(ids))
	return annotate.New(c.client, g, g.Selection(), rec).CommentSelection(ctx, endpointURL, *text)
}

// staticPage is a fixed set of ids standing in for a displayed page.
type staticPage []int64

func (p staticPage) PageIDs() []int64 { return p }

func cmdSchema(args []string) error {
	c := newClientCommand("schema")
	local := c.fs.Bool("local", false, "Print the built-in schema instead of asking the server")
	if err := c.parse(args); err != nil {
		return err
	}
	var raw []byte
	if *local {
		b, err := json.MarshalIndent(filter.Schema(), "", "  ")
		if err != nil {
			return err
		}
		raw = b
	} else {
		b, err := c.client.FilterSchema(context.Background())
		if err != nil {
			return err
		}
		raw = b
	}
	_, err := os.Stdout.Write(append(raw, '\n'))
	return err
}

var _ flag.Value = (*stringList)(nil)
