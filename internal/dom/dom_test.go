package dom

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onboardx/backend/internal/models"
	"github.com/onboardx/backend/internal/playback"
)

const snapshotJSON = `{
  "url": "https://shop.example/cart",
  "viewport": {"w": 1200, "h": 800, "sx": 0, "sy": 100},
  "elements": [
    {"tag": "header", "id": "top", "rect": {"x": 0, "y": 0, "w": 1200, "h": 60},
     "children": [
       {"tag": "nav", "classes": ["menu", "main"], "rect": {"x": 20, "y": 10, "w": 400, "h": 40}},
       {"tag": "a", "attrs": {"href": "/cart", "data-test": "cart"}, "text": "Cart", "rect": {"x": 1100, "y": 10, "w": 60, "h": 40}}
     ]},
    {"tag": "button", "id": "buy", "classes": ["btn"], "text": "Buy now", "rect": {"x": 500, "y": 400, "w": 100, "h": 40}},
    {"tag": "div", "id": "hidden"}
  ]
}`

func load(t *testing.T) *Document {
	t.Helper()
	d, err := ReadSnapshot(strings.NewReader(snapshotJSON))
	require.NoError(t, err)
	return d
}

func TestQuerySelector(t *testing.T) {
	d := load(t)
	assert.Equal(t, "https://shop.example/cart", d.URL())

	tests := []struct {
		selector string
		want     *playback.Rect
	}{
		{"#buy", &playback.Rect{X: 500, Y: 300, Width: 100, Height: 40}},
		{"header nav.menu", &playback.Rect{X: 20, Y: -90, Width: 400, Height: 40}},
		{`a[data-test="cart"]`, &playback.Rect{X: 1100, Y: -90, Width: 60, Height: 40}},
		{"#top > .main", &playback.Rect{X: 20, Y: -90, Width: 400, Height: 40}},
		{"#missing", nil},
		{"#hidden", nil},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			el, err := d.QuerySelector(tt.selector)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, el)
				return
			}
			require.NotNil(t, el)
			assert.Equal(t, *tt.want, el.BoundingClientRect())
		})
	}

	_, err := d.QuerySelector("!!")
	assert.Error(t, err)
}

func TestScrollChangesClientRect(t *testing.T) {
	d := load(t)
	el, err := d.QuerySelector("#buy")
	require.NoError(t, err)
	d.ScrollTo(0, 0)
	assert.Equal(t, 400.0, el.BoundingClientRect().Y)
	x, y := d.ScrollOffset()
	assert.Zero(t, x)
	assert.Zero(t, y)
	w, h := d.ViewportSize()
	assert.Equal(t, 1200.0, w)
	assert.Equal(t, 800.0, h)
}

func TestParseHTML(t *testing.T) {
	markup := `<html><body><main><section class="hero" data-rect="0,80,1200,400"><h1 id="title" data-rect="40,120,600,60">Hi</h1></section></main></body></html>`
	d, err := ParseHTML(strings.NewReader(markup), Viewport{})
	require.NoError(t, err)
	el, err := d.QuerySelector(".hero h1")
	require.NoError(t, err)
	require.NotNil(t, el)
	assert.Equal(t, playback.Rect{X: 40, Y: 120, Width: 600, Height: 60}, el.BoundingClientRect())
	w, _ := d.ViewportSize()
	assert.Equal(t, 1280.0, w)
}

func TestRootsAndListeners(t *testing.T) {
	d := load(t)
	require.NoError(t, d.InjectRoot("onboardx-root"))
	assert.ErrorIs(t, d.InjectRoot("onboardx-root"), ErrRootExists)
	assert.True(t, d.HasRoot("onboardx-root"))

	require.NoError(t, d.SetInnerHTML("onboardx-root", `<button data-action="next"><span>Next</span></button>`))
	assert.Contains(t, d.InnerHTML("onboardx-root"), `data-action="next"`)

	var mu sync.Mutex
	var got []playback.DOMEvent
	remove := d.AddListener(playback.DOMClick, func(ev playback.DOMEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	removeKey := d.AddListener(playback.DOMKeyDown, func(ev playback.DOMEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	assert.Equal(t, 2, d.ListenerCount())

	ok, err := d.Click("#onboardx-root span")
	require.NoError(t, err)
	assert.True(t, ok)
	d.KeyDown("Escape")
	ok, err = d.Click("#nothing")
	require.NoError(t, err)
	assert.False(t, ok)

	remove()
	remove()
	removeKey()
	assert.Zero(t, d.ListenerCount())
	_, _ = d.Click("#buy")

	require.Len(t, got, 2)
	assert.Equal(t, playback.DOMEvent{Kind: playback.DOMClick, Action: "next"}, got[0])
	assert.Equal(t, playback.DOMEvent{Kind: playback.DOMKeyDown, Key: "Escape"}, got[1])

	d.RemoveRoot("onboardx-root")
	assert.False(t, d.HasRoot("onboardx-root"))
	assert.Error(t, d.SetInnerHTML("onboardx-root", "<p></p>"))
}

func checkoutTour() *models.Tour {
	return &models.Tour{
		ID:   uuid.New(),
		Name: "Checkout",
		Steps: []models.Step{
			{ID: "intro", Order: 1, Title: "Welcome", Content: "Let's <b>shop</b>", Position: models.PositionBottom},
			{ID: "buy", Order: 2, Title: "Buy", Content: "Press buy", Position: models.PositionTop, TargetElement: "#buy"},
			{ID: "cart", Order: 3, Title: "Cart", Content: "Your cart", Position: models.PositionLeft, TargetElement: `a[data-test="cart"]`},
		},
	}
}

func TestOverlayDrivesEngine(t *testing.T) {
	d := load(t)
	var mu sync.Mutex
	var events []playback.EventType
	rec := playback.RecorderFunc(func(ev playback.Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})
	e := playback.New(d, NewOverlay(d), rec, playback.Options{})
	require.NoError(t, e.Mount(checkoutTour()))

	title, err := d.Text("#onboardx-root .onboardx-title")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", title)
	body := d.InnerHTML(playback.DefaultRootID)
	assert.Contains(t, body, "Let&#39;s &lt;b&gt;shop&lt;/b&gt;")
	assert.Contains(t, body, "position: fixed; top: 50%")
	assert.NotContains(t, body, "onboardx-prev")
	progress, _ := d.Text(".onboardx-progress")
	assert.Equal(t, "1 of 3", progress)

	_, err = d.Click("#onboardx-root .onboardx-next")
	require.NoError(t, err)
	body = d.InnerHTML(playback.DefaultRootID)
	assert.Contains(t, body, "position: absolute; top: 390px; left: 550px; transform: translate(-50%, -100%);")
	assert.Contains(t, body, "onboardx-highlight")
	assert.Contains(t, body, "onboardx-prev")

	d.KeyDown("ArrowRight")
	body = d.InnerHTML(playback.DefaultRootID)
	assert.Contains(t, body, "Finish")
	assert.Contains(t, body, "onboardx-skip")

	_, err = d.Click(".onboardx-backdrop")
	require.NoError(t, err)
	assert.False(t, d.HasRoot(playback.DefaultRootID))
	assert.Zero(t, d.ListenerCount())
	assert.Equal(t, playback.StatusAbandoned, e.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []playback.EventType{
		playback.EventStart, playback.EventStepViewed,
		playback.EventStepCompleted, playback.EventStepViewed,
		playback.EventStepCompleted, playback.EventStepViewed,
		playback.EventAbandon,
	}, events)
}

func TestOverlayCompletionScreen(t *testing.T) {
	d := load(t)
	e := playback.New(d, NewOverlay(d), playback.RecorderFunc(func(playback.Event) {}), playback.Options{
		CompletionScreen: true,
		CompletionBody:   "Enjoy",
	})
	tour := checkoutTour()
	tour.Steps = tour.Steps[:1]
	require.NoError(t, e.Mount(tour))

	_, err := d.Click(".onboardx-next")
	require.NoError(t, err)
	text, _ := d.Text("#onboardx-root")
	assert.Contains(t, text, "You're all set!")
	assert.Contains(t, text, "Enjoy")

	_, err = d.Click(".onboardx-done")
	require.NoError(t, err)
	assert.False(t, d.HasRoot(playback.DefaultRootID))
	assert.Equal(t, playback.StatusCompleted, e.Status())
}
