package api

import (
	"bytes"
	_ "embed"
	"net/http"

	"github.com/yuin/goldmark"
)

//go:embed help.md
var helpMarkdown []byte

const helpHead = `<!doctype html><html><head><meta charset="utf-8"><title>Help</title></head><body>`

func renderHelp() []byte {
	var buf bytes.Buffer
	buf.WriteString(helpHead)
	if err := goldmark.Convert(helpMarkdown, &buf); err != nil {
		buf.Reset()
		buf.WriteString(helpHead + "<p>Help is unavailable.</p>")
	}
	buf.WriteString("</body></html>")
	return buf.Bytes()
}

func (h *Handlers) Help(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.help)
}
