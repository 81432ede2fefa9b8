// Package permission decides whether a user's plan allows a call or a
// message kind.
package permission

import (
	"context"
	"fmt"

	"github.com/matheus3301/swoon/internal/chat"
)

// Plans, lowest first.
const (
	PlanFree    = "free"
	PlanPlus    = "plus"
	PlanPremium = "premium"
)

var planRank = map[string]int{
	PlanFree:    0,
	PlanPlus:    1,
	PlanPremium: 2,
}

// Limit categories carried by PlanLimitError.
const (
	CategoryVoiceCall = "voice_call"
	CategoryVideoCall = "video_call"
	CategoryMessage   = "message_type"
)

// CallKind mirrors the call type without importing the call package.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// PlanLimitError reports that the user's plan does not cover an action.
// RequiredPlan may be empty when no plan would allow it.
type PlanLimitError struct {
	Category     string
	RequiredPlan string
}

func (e *PlanLimitError) Error() string {
	if e.RequiredPlan == "" {
		return fmt.Sprintf("plan limit reached: %s", e.Category)
	}
	return fmt.Sprintf("plan limit reached: %s requires the %s plan", e.Category, e.RequiredPlan)
}

// Checker is consulted before call initiation and before message sends.
type Checker interface {
	CheckCall(ctx context.Context, userID string, kind CallKind) error
	CheckMessage(ctx context.Context, userID string, typ chat.MessageType) error
}

// StaticChecker grants entitlements from a single configured plan.
type StaticChecker struct {
	plan string
}

// NewStaticChecker returns a checker for plan. Unknown plans are treated as free.
func NewStaticChecker(plan string) *StaticChecker {
	if _, ok := planRank[plan]; !ok {
		plan = PlanFree
	}
	return &StaticChecker{plan: plan}
}

// Plan returns the effective plan name.
func (c *StaticChecker) Plan() string { return c.plan }

// CheckCall returns *PlanLimitError when kind needs a higher plan.
func (c *StaticChecker) CheckCall(_ context.Context, _ string, kind CallKind) error {
	switch kind {
	case CallVoice:
		return c.require(CategoryVoiceCall, PlanFree)
	case CallVideo:
		return c.require(CategoryVideoCall, PlanPlus)
	default:
		return fmt.Errorf("unknown call kind %q", kind)
	}
}

// CheckMessage returns *PlanLimitError when typ needs a higher plan.
func (c *StaticChecker) CheckMessage(_ context.Context, _ string, typ chat.MessageType) error {
	switch typ {
	case chat.TypeText, chat.TypeImage, chat.TypeAudio:
		return nil
	case chat.TypeVideo, chat.TypeFile:
		return c.require(CategoryMessage, PlanPlus)
	default:
		return fmt.Errorf("unknown message type %q", typ)
	}
}

func (c *StaticChecker) require(category, plan string) error {
	if planRank[c.plan] >= planRank[plan] {
		return nil
	}
	return &PlanLimitError{Category: category, RequiredPlan: plan}
}
