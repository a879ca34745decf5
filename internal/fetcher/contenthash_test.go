package fetcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentHashIgnoresVolatileTokens(t *testing.T) {
	t.Parallel()

	pageA := []byte(`<html><head>
		<meta name="csrf-token" content="ab12cd34">
		</head><body>
		<!-- generated 2026-03-14T09:00:00Z -->
		<div class="event-list">
		<a href="/event/1?sessionid=aaa111">Jazz Night</a>
		</div>
		<input type="hidden" name="csrf_token" value="deadbeef">
		</body></html>`)

	pageB := []byte(`<html><head>
		<meta name="csrf-token" content="ff99ee88">
		</head><body>
		<!-- generated 2026-03-15T18:30:00Z -->
		<div class="event-list">
		<a href="/event/1?sessionid=zzz999">Jazz Night</a>
		</div>
		<input type="hidden" name="csrf_token" value="cafebabe">
		</body></html>`)

	require.Equal(t, ContentHash(pageA), ContentHash(pageB),
		"pages differing only in volatile tokens must hash identically")
}

func TestContentHashIgnoresWhitespace(t *testing.T) {
	t.Parallel()

	compact := []byte(`<div class="event"> <h2>Open Mic</h2> </div>`)
	indented := []byte("<div class=\"event\">\n\t<h2>Open   Mic</h2>\n</div>")

	require.Equal(t, ContentHash(compact), ContentHash(indented))
}

func TestContentHashDetectsStructuralChange(t *testing.T) {
	t.Parallel()

	before := []byte(`<div class="event-list"><div class="event-card">A</div></div>`)
	after := []byte(`<section class="events-grid"><article class="tile">A</article></section>`)

	require.NotEqual(t, ContentHash(before), ContentHash(after),
		"materially changed structure must produce a different hash")
}
