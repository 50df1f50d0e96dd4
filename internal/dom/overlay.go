package dom

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/onboardx/backend/internal/playback"
)

var overlayTmpl = template.Must(template.New("overlay").Funcs(template.FuncMap{
	"css": func(s string) template.CSS { return template.CSS(s) },
	"px":  func(f float64) string { return fmt.Sprintf("%gpx", f) },
}).Parse(`<div class="onboardx-backdrop" data-action="overlay"></div>
{{- with .Highlight}}
<div class="onboardx-highlight" style="{{css (printf "top: %s; left: %s; width: %s; height: %s;" (px .Y) (px .X) (px .Width) (px .Height))}}"></div>
{{- end}}
<div class="onboardx-tooltip" role="dialog" aria-live="polite" style="{{css .Placement.Style}}">
<button class="onboardx-close" data-action="close" aria-label="Close tour">&times;</button>
<h3 class="onboardx-title">{{.Title}}</h3>
<div class="onboardx-body">{{.Body}}</div>
{{- if .Completion}}
<div class="onboardx-footer"><button class="onboardx-done" data-action="done">Done</button></div>
{{- else}}
<div class="onboardx-footer">
<span class="onboardx-progress">{{.Progress}}</span>
{{- if .HasPrev}}
<button class="onboardx-prev" data-action="prev">Back</button>
{{- end}}
<button class="onboardx-skip" data-action="skip">Skip</button>
<button class="onboardx-next" data-action="next">{{if .IsLast}}Finish{{else}}Next{{end}}</button>
</div>
{{- end}}
</div>`))

// Overlay renders frames as HTML inside the injected root of a Document.
type Overlay struct {
	doc *Document
}

// NewOverlay creates a renderer drawing into doc.
func NewOverlay(doc *Document) *Overlay {
	return &Overlay{doc: doc}
}

// Render implements playback.Renderer.
func (o *Overlay) Render(rootID string, f playback.Frame) error {
	var buf bytes.Buffer
	if err := overlayTmpl.Execute(&buf, f); err != nil {
		return fmt.Errorf("render overlay: %w", err)
	}
	return o.doc.SetInnerHTML(rootID, buf.String())
}

// Clear implements playback.Renderer.
func (o *Overlay) Clear(rootID string) {
	o.doc.ClearRoot(rootID)
}
