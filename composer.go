package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

/*** Error taxonomy ***/

// ValidationError blocks a save locally; no store round trip is attempted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// FetchError wraps a failed page/grain read. The affected section degrades to
// an empty state; nothing else is blocked.
type FetchError struct {
	What string
	Err  error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.What, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// WriteError wraps a failed insert/update. The save aborts with the in-memory
// state unchanged; recovery is user-initiated.
type WriteError struct {
	What string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write %s: %v", e.What, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

/*** Composer ***/

// PageComposer owns a page's metadata (title, position, type) and its 15-slot
// grain pattern across one load/edit/save cycle. PageID stays empty until the
// first successful save; a second save then updates instead of inserting.
type PageComposer struct {
	db  *gorm.DB
	log *zap.SugaredLogger

	PageID   string
	LessonID string
	Title    string
	Position int
	Type     PageType
	Pattern  []string
	Grains   []Grain

	saving bool
}

// NewPageComposer prepares an empty composer for a page that does not exist
// yet. The initial position is one past the lesson's current maximum.
func NewPageComposer(db *gorm.DB, log *zap.SugaredLogger, lessonID string) (*PageComposer, error) {
	pos, err := NextPagePosition(db, lessonID)
	if err != nil {
		return nil, &FetchError{What: "page position", Err: err}
	}
	return &PageComposer{
		db:       db,
		log:      log,
		LessonID: lessonID,
		Position: pos,
		Type:     PageIntroduction,
		Pattern:  PatternFor(PageIntroduction),
	}, nil
}

// LoadPageComposer loads an existing page and its grains for editing.
// A page fetch failure returns the error together with a degraded composer
// (empty fields, new-page defaults) so the screen stays usable. A grain fetch
// failure is logged, leaves Grains empty and does not fail the load.
func LoadPageComposer(db *gorm.DB, log *zap.SugaredLogger, pageID string) (*PageComposer, error) {
	c := &PageComposer{
		db:      db,
		log:     log,
		Type:    PageIntroduction,
		Pattern: PatternFor(PageIntroduction),
	}

	var page Page
	if err := db.First(&page, "id = ?", pageID).Error; err != nil {
		log.Errorw("page load failed", "page_id", pageID, "err", err)
		return c, &FetchError{What: "page", Err: err}
	}

	c.PageID = page.ID
	c.LessonID = page.LessonID
	c.Title = page.Title
	c.Position = page.Position
	if t, ok := ParsePageType(page.Type); ok {
		c.Type = t
	}
	if c.Type == PageCustom {
		c.Pattern = patternFromJSON(page.Pattern)
	} else {
		c.Pattern = PatternFor(c.Type)
	}

	if err := c.ReloadGrains(); err != nil {
		log.Warnw("grain load failed", "page_id", pageID, "err", err)
	}
	return c, nil
}

// NextPagePosition computes the initial position for a new page in a lesson:
// max existing position + 1, or 1 for an empty lesson.
func NextPagePosition(db *gorm.DB, lessonID string) (int, error) {
	var max int
	err := db.Model(&Page{}).
		Where("lesson_id = ?", lessonID).
		Select("COALESCE(MAX(position), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (c *PageComposer) SetTitle(title string) {
	c.Title = title
}

func (c *PageComposer) SetPosition(pos int) {
	c.Position = pos
}

// SetType switches the page type and immediately replaces the working
// pattern. Leaving custom discards the user's slot choices; entering custom
// seeds the 15 default slots. Pure state transition, no I/O.
func (c *PageComposer) SetType(t PageType) {
	if t == c.Type {
		return
	}
	c.Type = t
	if t == PageCustom {
		c.Pattern = DefaultCustomPattern()
	} else {
		c.Pattern = PatternFor(t)
	}
}

// SetSlot replaces one pattern slot. Slots are editable only in custom mode.
func (c *PageComposer) SetSlot(index int, grainType string) error {
	if c.Type != PageCustom {
		return &ValidationError{Msg: "slots are editable only for custom pages"}
	}
	if index < 0 || index >= PageSlots {
		return &ValidationError{Msg: fmt.Sprintf("slot index %d out of range", index)}
	}
	c.Pattern[index] = grainType
	return nil
}

// IsSaving reports whether a save round trip is in flight.
func (c *PageComposer) IsSaving() bool { return c.saving }

// Save persists the page. A page without identity is inserted together with
// its grain rows in one transaction; an existing page gets a row update only,
// its grain rows are never regenerated here.
func (c *PageComposer) Save() error {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		return &ValidationError{Msg: "title is required"}
	}

	pattern := c.Pattern
	if c.Type != PageCustom {
		pattern = PatternFor(c.Type)
	}

	c.saving = true
	defer func() { c.saving = false }()

	if c.PageID != "" {
		return c.saveExisting(title, pattern)
	}
	return c.saveNew(title, pattern)
}

func (c *PageComposer) saveExisting(title string, pattern []string) error {
	updates := map[string]any{
		"title":    title,
		"position": c.Position,
		"type":     string(c.Type),
		"pattern":  patternJSON(pattern),
	}
	if err := c.db.Model(&Page{}).Where("id = ?", c.PageID).Updates(updates).Error; err != nil {
		c.log.Errorw("page update failed", "page_id", c.PageID, "err", err)
		return &WriteError{What: "page", Err: err}
	}
	c.Title = title

	// pick up out-of-band grain edits
	if err := c.ReloadGrains(); err != nil {
		c.log.Warnw("grain reload after save failed", "page_id", c.PageID, "err", err)
	}
	return nil
}

func (c *PageComposer) saveNew(title string, pattern []string) error {
	pageID := uuid.New().String()
	page := Page{
		ID:       pageID,
		LessonID: c.LessonID,
		Title:    title,
		Position: c.Position,
		Type:     string(c.Type),
		Pattern:  patternJSON(pattern),
	}
	grains := buildGrains(pageID, pattern)

	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&page).Error; err != nil {
			return err
		}
		return tx.Create(&grains).Error
	})
	if err != nil {
		c.log.Errorw("page create failed", "lesson_id", c.LessonID, "err", err)
		return &WriteError{What: "page", Err: err}
	}

	// continue editing under the assigned identity
	c.PageID = pageID
	c.Title = title
	c.Grains = grains
	return nil
}

// ReloadGrains refreshes the grain list from the store, ordered by position.
func (c *PageComposer) ReloadGrains() error {
	if c.PageID == "" {
		c.Grains = nil
		return nil
	}
	var grains []Grain
	err := c.db.Where("page_id = ?", c.PageID).Order("position ASC").Find(&grains).Error
	if err != nil {
		c.Grains = nil
		return &FetchError{What: "grains", Err: err}
	}
	c.Grains = grains
	return nil
}

// buildGrains expands a pattern into grain rows with per-type default
// payloads, positions 1..PageSlots.
func buildGrains(pageID string, pattern []string) []Grain {
	grains := make([]Grain, 0, len(pattern))
	for i, gt := range pattern {
		grains = append(grains, Grain{
			ID:       uuid.New().String(),
			PageID:   pageID,
			Position: i + 1,
			Type:     gt,
			Content:  DefaultContent(gt),
		})
	}
	return grains
}

// errStatus maps the composer error taxonomy to an HTTP status.
func errStatus(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return 400
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if errors.Is(fe.Err, gorm.ErrRecordNotFound) {
			return 404
		}
		return 500
	}
	return 500
}
