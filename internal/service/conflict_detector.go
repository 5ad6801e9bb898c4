package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

// CampaignProfile is the campaign data the conflict detector needs.
type CampaignProfile struct {
	AdvertiserID string
	Categories   []string
}

func profileOf(c *repository.Campaign) CampaignProfile {
	return CampaignProfile{AdvertiserID: c.AdvertiserID, Categories: c.Categories}
}

func (p CampaignProfile) declares(category string) bool {
	want := normalizeCategory(category)
	if want == "" {
		return false
	}
	for _, c := range p.Categories {
		if normalizeCategory(c) == want {
			return true
		}
	}
	return false
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// ConflictDetector checks candidate items against competitive-exclusivity
// restrictions.
type ConflictDetector struct {
	restrictions repository.Restrictions
}

func NewConflictDetector(restrictions repository.Restrictions) *ConflictDetector {
	return &ConflictDetector{restrictions: restrictions}
}

// Check returns a *errors.ConflictDetectedError for the first violated rule.
// Rules are evaluated broadest level first, then by id, so the reported rule
// is stable across calls.
func (d *ConflictDetector) Check(ctx context.Context, item *repository.ReservationItem, profile CampaignProfile) error {
	rules, err := d.restrictions.ListRestrictions(ctx, item.ShowID, item.EpisodeID)
	if err != nil {
		return err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		bi, bj := rules[i].Level.Breadth(), rules[j].Level.Breadth()
		if bi != bj {
			return bi > bj
		}
		return rules[i].ID < rules[j].ID
	})

	for _, rule := range rules {
		if !inScope(rule, item) || !inWindow(rule, item.AirDate) {
			continue
		}
		if violates(rule, profile) {
			return conflictError(rule, item)
		}
	}
	return nil
}

func inScope(rule *repository.Restriction, item *repository.ReservationItem) bool {
	switch rule.Level {
	case repository.LevelNetwork:
		return true
	case repository.LevelShow:
		return rule.ShowID != nil && *rule.ShowID == item.ShowID
	case repository.LevelEpisode:
		return rule.EpisodeID != nil && *rule.EpisodeID == item.EpisodeID
	}
	return false
}

// inWindow compares calendar dates; an unset bound is open.
func inWindow(rule *repository.Restriction, airDate time.Time) bool {
	if airDate.IsZero() {
		return true
	}
	day := truncateDay(airDate)
	if rule.EffectiveFrom != nil && day.Before(truncateDay(*rule.EffectiveFrom)) {
		return false
	}
	if rule.EffectiveTo != nil && day.After(truncateDay(*rule.EffectiveTo)) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func violates(rule *repository.Restriction, profile CampaignProfile) bool {
	switch rule.Kind {
	case repository.RestrictionCategoryBlocked:
		return rule.Category != nil && profile.declares(*rule.Category)
	case repository.RestrictionAdvertiserBlocked:
		return rule.AdvertiserID != nil && *rule.AdvertiserID == profile.AdvertiserID
	case repository.RestrictionCategoryExclusive:
		if rule.Category == nil || !profile.declares(*rule.Category) {
			return false
		}
		return rule.AdvertiserID == nil || *rule.AdvertiserID != profile.AdvertiserID
	}
	return false
}

func conflictError(rule *repository.Restriction, item *repository.ReservationItem) error {
	e := &errors.ConflictDetectedError{
		RuleID:        rule.ID,
		Kind:          string(rule.Kind),
		Level:         string(rule.Level),
		ShowID:        item.ShowID,
		EpisodeID:     item.EpisodeID,
		PlacementType: string(item.PlacementType),
	}
	if rule.Category != nil {
		e.Category = *rule.Category
	}
	if rule.AdvertiserID != nil {
		e.AdvertiserID = *rule.AdvertiserID
	}
	if rule.Reason != nil {
		e.Reason = *rule.Reason
	}
	return e
}

// validateRestriction checks a restriction before it is stored.
func validateRestriction(r *repository.Restriction) error {
	if !r.Kind.Valid() {
		return errors.InvalidInput("kind", "unknown restriction kind")
	}
	if !r.Level.Valid() {
		return errors.InvalidInput("level", "unknown exclusivity level")
	}
	switch r.Level {
	case repository.LevelShow:
		if r.ShowID == nil || *r.ShowID == "" {
			return errors.InvalidInput("show_id", "is required for show level restrictions")
		}
	case repository.LevelEpisode:
		if r.EpisodeID == nil || *r.EpisodeID == "" {
			return errors.InvalidInput("episode_id", "is required for episode level restrictions")
		}
	}
	switch r.Kind {
	case repository.RestrictionCategoryBlocked, repository.RestrictionCategoryExclusive:
		if r.Category == nil || strings.TrimSpace(*r.Category) == "" {
			return errors.InvalidInput("category", "is required for category restrictions")
		}
	case repository.RestrictionAdvertiserBlocked:
		if r.AdvertiserID == nil || *r.AdvertiserID == "" {
			return errors.InvalidInput("advertiser_id", "is required for advertiser restrictions")
		}
	}
	if r.EffectiveFrom != nil && r.EffectiveTo != nil && r.EffectiveTo.Before(*r.EffectiveFrom) {
		return errors.InvalidInput("effective_to", "must not be before effective_from")
	}
	return nil
}
