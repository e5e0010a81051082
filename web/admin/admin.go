// Package admin embeds the static credential-pool admin page served at
// GET /admin (spec §6 names the route; the page itself is a supplemented
// feature — see SPEC_FULL.md). No build step: a single HTML file with
// inline JS calling the /api/admin/* JSON endpoints directly.
package admin

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFiles embed.FS

// FileSystem returns the embedded admin UI rooted at its "static"
// subdirectory, ready to hand to gin's StaticFS.
func FileSystem() http.FileSystem {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}
