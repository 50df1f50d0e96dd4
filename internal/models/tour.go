package models

import (
	"time"

	"github.com/google/uuid"
)

// TourType is the template family a tour was authored from.
type TourType string

const (
	TourTypeEcommerce   TourType = "ecommerce"
	TourTypeSaaS        TourType = "saas"
	TourTypeEducational TourType = "educational"
	TourTypeCustom      TourType = "custom"
)

// Position is the side of the target a step's tooltip is anchored to.
type Position string

const (
	PositionTop    Position = "top"
	PositionBottom Position = "bottom"
	PositionLeft   Position = "left"
	PositionRight  Position = "right"
)

// Valid reports whether p is one of the four anchor sides.
func (p Position) Valid() bool {
	switch p {
	case PositionTop, PositionBottom, PositionLeft, PositionRight:
		return true
	}
	return false
}

// Tour is an authored, ordered sequence of steps.
type Tour struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        TourType  `json:"type"`
	IsActive    bool      `json:"is_active"`
	IsPublished bool      `json:"is_published"`
	TotalSteps  int       `json:"total_steps"`
	Steps       []Step    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step is one unit of tour content. Order is 1-indexed and unique within a tour.
type Step struct {
	ID            string   `json:"id"`
	Order         int      `json:"order"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Position      Position `json:"position"`
	TargetElement string   `json:"target_element,omitempty"`
}
