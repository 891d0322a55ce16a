package intercept

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/petervdpas/mopirelay/internal/playback"
	"github.com/petervdpas/mopirelay/internal/proto"
)

// AuditRow is one enriched record of a user command. Track, position and
// volume describe the context before the command took effect.
type AuditRow struct {
	TimestampMs int64
	UserID      int64
	Method      string
	Category    Category

	TrackURI    string
	TrackName   string
	ArtistName  string
	PositionMs  *int
	Volume      *int
	QueueLength int

	TargetURIs  []string
	TargetLabel string
	InsertIndex *int

	// RelativePos is the target index minus the currently playing index;
	// positive means further down the queue. Nil when nothing is playing.
	RelativePos *int

	Details map[string]any
}

// DetailsJSON encodes Details for storage; "{}" when empty.
func (r AuditRow) DetailsJSON() string {
	if len(r.Details) == 0 {
		return "{}"
	}
	b, err := json.Marshal(r.Details)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Intercept builds the audit row for cmd. ok is false for untracked methods.
// It only reads ctx.
func Intercept(ctx *playback.Context, cmd proto.Command, userID int64, now time.Time) (AuditRow, bool) {
	cat := Classify(cmd.Method)
	if !cat.Trackable() {
		return AuditRow{}, false
	}

	row := AuditRow{
		TimestampMs: now.UnixMilli(),
		UserID:      userID,
		Method:      cmd.Method,
		Category:    cat,
		TrackURI:    ctx.TrackURI,
		TrackName:   ctx.TrackName,
		ArtistName:  ctx.ArtistName,
		PositionMs:  cloneInt(ctx.PositionMs),
		Volume:      cloneInt(ctx.Volume),
		QueueLength: ctx.QueueLength(),
		Details:     map[string]any{},
	}
	p := params(cmd.NamedParams())

	switch cat {
	case CategoryPlayback:
		enrichPlayback(ctx, cmd.Method, p, &row)
	case CategoryQueue:
		enrichQueue(ctx, cmd.Method, p, &row)
	case CategoryOption:
		if v, ok := p.boolParam("value"); ok {
			row.Details["value"] = v
		}
	case CategoryQuery:
		enrichQuery(ctx, cmd.Method, p, &row)
	}
	return row, true
}

func enrichPlayback(ctx *playback.Context, method string, p params, row *AuditRow) {
	switch method {
	case proto.MethodSeek:
		if pos, ok := p.intParam("time_position"); ok {
			row.Details["time_position"] = pos
		}
	case proto.MethodSetVolume, proto.MethodLegacySetVolume:
		if v, ok := p.intParam("volume"); ok {
			row.Details["volume"] = v
		}
	case proto.MethodPlay:
		if tlid, ok := p.intParam("tlid"); ok {
			row.Details["tlid"] = tlid
			if e, idx, found := ctx.EntryByTlid(tlid); found {
				row.TargetURIs = []string{e.URI}
				row.TargetLabel = labelOf(e)
				row.RelativePos = distance(ctx, idx)
			}
		}
	}
}

func enrichQueue(ctx *playback.Context, method string, p params, row *AuditRow) {
	switch method {
	case proto.MethodTracklistAdd:
		uris := p.stringsParam("uris")
		if len(uris) == 0 {
			uris = p.stringsParam("uri")
		}
		if len(uris) == 0 {
			uris = p.trackURIs("tracks")
		}
		row.TargetURIs = uris
		row.TargetLabel = joinLabels(lo.Map(uris, func(u string, _ int) string { return ctx.NameFor(u) }))
		if at, ok := p.intParam("at_position"); ok {
			row.InsertIndex = &at
			row.RelativePos = distance(ctx, at)
		}

	case proto.MethodTracklistRemove:
		crit := params(p.objectParam("criteria"))
		if crit == nil {
			crit = p
		}
		var removed []map[string]any
		for _, tlid := range crit.intsParam("tlid") {
			item := map[string]any{"tlid": tlid}
			if e, idx, ok := ctx.EntryByTlid(tlid); ok {
				item["uri"] = e.URI
				item["name"] = labelOf(e)
				if d := distance(ctx, idx); d != nil {
					item["distance"] = *d
				}
				row.TargetURIs = append(row.TargetURIs, e.URI)
			}
			removed = append(removed, item)
		}
		for _, uri := range crit.stringsParam("uri") {
			item := map[string]any{"uri": uri, "name": ctx.NameFor(uri)}
			if _, idx, ok := ctx.EntryByURI(uri); ok {
				if d := distance(ctx, idx); d != nil {
					item["distance"] = *d
				}
			}
			row.TargetURIs = append(row.TargetURIs, uri)
			removed = append(removed, item)
		}
		if len(removed) > 0 {
			row.Details["removed"] = removed
		}
		row.TargetLabel = joinLabels(lo.Map(removed, func(m map[string]any, _ int) string {
			s, _ := m["name"].(string)
			return s
		}))

	case proto.MethodTracklistMove:
		start, okStart := p.intParam("start")
		end, okEnd := p.intParam("end")
		to, okTo := p.intParam("to_position")
		if !okStart || !okTo {
			return
		}
		if !okEnd {
			end = start + 1
		}
		row.InsertIndex = &to
		row.RelativePos = distance(ctx, to)
		row.Details["start"] = start
		row.Details["end"] = end
		row.Details["to_position"] = to
		if d := distance(ctx, start); d != nil {
			row.Details["from_distance"] = *d
		}
		if d := distance(ctx, to); d != nil {
			row.Details["to_distance"] = *d
		}
		if start >= 0 && start < end && end <= len(ctx.Tracklist) {
			moved := ctx.Tracklist[start:end]
			row.TargetURIs = lo.Map(moved, func(e playback.TlTrackEntry, _ int) string { return e.URI })
			row.TargetLabel = joinLabels(lo.Map(moved, func(e playback.TlTrackEntry, _ int) string { return labelOf(e) }))
		}

	case proto.MethodTracklistShuffle:
		if s, ok := p.intParam("start"); ok {
			row.Details["start"] = s
		}
		if e, ok := p.intParam("end"); ok {
			row.Details["end"] = e
		}
	}
}

func enrichQuery(ctx *playback.Context, method string, p params, row *AuditRow) {
	switch method {
	case proto.MethodBrowse:
		uri, _ := p.stringParam("uri")
		if uri == "" {
			row.TargetLabel = "(root)"
			return
		}
		row.TargetURIs = []string{uri}
		row.TargetLabel = labelOrURI(ctx, uri)

	case proto.MethodLookup:
		uris := p.stringsParam("uris")
		if len(uris) == 0 {
			uris = p.stringsParam("uri")
		}
		row.TargetURIs = uris
		row.TargetLabel = joinLabels(lo.Map(uris, func(u string, _ int) string { return labelOrURI(ctx, u) }))

	case proto.MethodSearch:
		uris := p.stringsParam("uris")
		row.TargetURIs = uris
		if q := p.objectParam("query"); q != nil {
			terms := map[string][]string{}
			for field := range q {
				terms[field] = params(q).stringsParam(field)
			}
			row.Details["query"] = terms
		}
		if exact, ok := p.boolParam("exact"); ok {
			row.Details["exact"] = exact
		}
		if len(uris) > 0 {
			row.TargetLabel = joinLabels(lo.Map(uris, func(u string, _ int) string { return labelOrURI(ctx, u) }))
		}
	}
}

// distance is index minus the current index, nil when nothing is current.
func distance(ctx *playback.Context, index int) *int {
	cur, ok := ctx.CurrentIndex()
	if !ok {
		return nil
	}
	d := index - cur
	return &d
}

func labelOf(e playback.TlTrackEntry) string {
	if e.Artist == "" {
		return e.Name
	}
	return proto.DisplayName(e.Name, []proto.Artist{{Name: e.Artist}})
}

func labelOrURI(ctx *playback.Context, uri string) string {
	if n := ctx.NameFor(uri); n != "" {
		return n
	}
	return uri
}

func joinLabels(labels []string) string {
	return strings.Join(lo.Compact(labels), "; ")
}

// ── params ───────────────────────────────────────────────────────────────────

type params map[string]json.RawMessage

func (p params) intParam(key string) (int, bool) {
	raw, ok := p[key]
	if !ok {
		return 0, false
	}
	var v *int
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return 0, false
	}
	return *v, true
}

func (p params) boolParam(key string) (bool, bool) {
	raw, ok := p[key]
	if !ok {
		return false, false
	}
	var v *bool
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return false, false
	}
	return *v, true
}

func (p params) stringParam(key string) (string, bool) {
	raw, ok := p[key]
	if !ok {
		return "", false
	}
	var v *string
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return "", false
	}
	return *v, true
}

// stringsParam accepts a single string or a list of strings.
func (p params) stringsParam(key string) []string {
	raw, ok := p[key]
	if !ok {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

// intsParam accepts a single int or a list of ints.
func (p params) intsParam(key string) []int {
	raw, ok := p[key]
	if !ok {
		return nil
	}
	var list []int
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one int
	if err := json.Unmarshal(raw, &one); err == nil {
		return []int{one}
	}
	return nil
}

func (p params) objectParam(key string) map[string]json.RawMessage {
	raw, ok := p[key]
	if !ok {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func (p params) trackURIs(key string) []string {
	raw, ok := p[key]
	if !ok {
		return nil
	}
	var tracks []proto.Track
	if err := json.Unmarshal(raw, &tracks); err != nil {
		return nil
	}
	return lo.FilterMap(tracks, func(t proto.Track, _ int) (string, bool) { return t.URI, t.URI != "" })
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
