// Package intercept turns outbound browser commands into enriched audit rows,
// reading the playback context as it stood when the command was sent.
package intercept

import "github.com/petervdpas/mopirelay/internal/proto"

type Category string

const (
	CategoryPlayback  Category = "playback"
	CategoryQueue     Category = "queue"
	CategoryOption    Category = "option"
	CategoryQuery     Category = "query"
	CategoryUntracked Category = "untracked"
)

var categories = map[string]Category{
	proto.MethodPlay:            CategoryPlayback,
	proto.MethodPause:           CategoryPlayback,
	proto.MethodResume:          CategoryPlayback,
	proto.MethodStop:            CategoryPlayback,
	proto.MethodNext:            CategoryPlayback,
	proto.MethodPrevious:        CategoryPlayback,
	proto.MethodSeek:            CategoryPlayback,
	proto.MethodSetVolume:       CategoryPlayback,
	proto.MethodLegacySetVolume: CategoryPlayback,

	proto.MethodTracklistAdd:     CategoryQueue,
	proto.MethodTracklistRemove:  CategoryQueue,
	proto.MethodTracklistClear:   CategoryQueue,
	proto.MethodTracklistShuffle: CategoryQueue,
	proto.MethodTracklistMove:    CategoryQueue,

	proto.MethodSetRepeat:  CategoryOption,
	proto.MethodSetRandom:  CategoryOption,
	proto.MethodSetSingle:  CategoryOption,
	proto.MethodSetConsume: CategoryOption,

	proto.MethodSearch: CategoryQuery,
	proto.MethodBrowse: CategoryQuery,
	proto.MethodLookup: CategoryQuery,
}

// Classify returns the audit category of a fully qualified method name.
func Classify(method string) Category {
	if c, ok := categories[method]; ok {
		return c
	}
	return CategoryUntracked
}

// Trackable reports whether commands of this category produce audit rows.
func (c Category) Trackable() bool {
	return c != CategoryUntracked && c != ""
}
