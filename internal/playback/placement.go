package playback

import (
	"fmt"

	"github.com/onboardx/backend/internal/models"
)

// Gutter is the distance in pixels between a target edge and its tooltip.
const Gutter = 10.0

// Placement positions a tooltip. When Centered is set the tooltip is fixed to
// the middle of the viewport and Top/Left are unused; otherwise Top/Left are
// document coordinates of the anchor point. TranslateX/Y are percentages of the
// tooltip's own size applied to its origin.
type Placement struct {
	Top        float64 `json:"top"`
	Left       float64 `json:"left"`
	TranslateX float64 `json:"translate_x"`
	TranslateY float64 `json:"translate_y"`
	Centered   bool    `json:"centered"`
}

// CenteredPlacement is the fallback placement used when a step has no target.
func CenteredPlacement() Placement {
	return Placement{TranslateX: -50, TranslateY: -50, Centered: true}
}

// Place anchors a tooltip to the midpoint of rect's side named by pos, pushed
// outward by Gutter.
func Place(pos models.Position, rect *Rect) Placement {
	if rect == nil {
		return CenteredPlacement()
	}
	switch pos {
	case models.PositionTop:
		return Placement{Top: rect.Top() - Gutter, Left: rect.Left() + rect.Width/2, TranslateX: -50, TranslateY: -100}
	case models.PositionBottom:
		return Placement{Top: rect.Bottom() + Gutter, Left: rect.Left() + rect.Width/2, TranslateX: -50, TranslateY: 0}
	case models.PositionLeft:
		return Placement{Top: rect.Top() + rect.Height/2, Left: rect.Left() - Gutter, TranslateX: -100, TranslateY: -50}
	case models.PositionRight:
		return Placement{Top: rect.Top() + rect.Height/2, Left: rect.Right() + Gutter, TranslateX: 0, TranslateY: -50}
	}
	return CenteredPlacement()
}

// Transform is the CSS transform for the placement.
func (p Placement) Transform() string {
	return fmt.Sprintf("translate(%s%%, %s%%)", trimFloat(p.TranslateX), trimFloat(p.TranslateY))
}

// Style is the inline CSS for a tooltip using this placement.
func (p Placement) Style() string {
	if p.Centered {
		return "position: fixed; top: 50%; left: 50%; transform: " + p.Transform() + ";"
	}
	return fmt.Sprintf("position: absolute; top: %spx; left: %spx; transform: %s;", trimFloat(p.Top), trimFloat(p.Left), p.Transform())
}

func trimFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
