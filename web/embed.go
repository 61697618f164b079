// Package web embeds the page templates and the static assets served under
// /static/.
package web

import "embed"

var (
	//go:embed templates/*.html
	TemplatesFS embed.FS

	//go:embed static/app.css static/app.js
	StaticFS embed.FS
)
