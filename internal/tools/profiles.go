package tools

import "github.com/MLTQ/ponderer-backend/pkg/models"

// Profile names the five capability profiles the runtime resolves a
// ToolContext from.
type Profile string

const (
	ProfilePrivateChat Profile = "private_chat"
	ProfileSkillEvents Profile = "skill_events"
	ProfileHeartbeat   Profile = "heartbeat"
	ProfileAmbient     Profile = "ambient"
	ProfileDream       Profile = "dream"
)

// ProfileOverrides lets a caller replace a profile's default allow/deny
// sets entirely rather than merge with them.
type ProfileOverrides struct {
	AllowedTools    []string
	DisallowedTools []string
}

// privatePostingTools are external-posting-capable tools explicitly denied
// to the private_chat profile (forum/skill publish, media publish).
var privatePostingTools = []string{"skill.publish", "media.publish", "vision.publish"}

// ambientReadOnlyDeny denies anything mutating outside memory/read tools.
var ambientReadOnlyDeny = []string{"shell", "filesystem.write", "filesystem.patch", "media.generate", "media.publish"}

// dreamMemoryOnlyAllow scopes the dream profile to memory tools only.
var dreamMemoryOnlyAllow = []string{"memory.*"}

// ResolveCapabilityPolicy builds the ToolContext for profile, applying
// overrides in place of (not merged with) the profile's defaults when
// provided.
func ResolveCapabilityPolicy(profile Profile, overrides *ProfileOverrides) models.ToolContext {
	tc := models.ToolContext{Autonomous: true}

	switch profile {
	case ProfilePrivateChat:
		tc.Autonomous = false
		tc.DisallowedTools = toSet(privatePostingTools)
	case ProfileSkillEvents:
		tc.Autonomous = true
	case ProfileHeartbeat:
		tc.Autonomous = true
	case ProfileAmbient:
		tc.Autonomous = true
		tc.DisallowedTools = toSet(ambientReadOnlyDeny)
	case ProfileDream:
		tc.Autonomous = true
		tc.AllowedTools = toSet(dreamMemoryOnlyAllow)
	}

	if overrides != nil {
		if len(overrides.AllowedTools) > 0 {
			tc.AllowedTools = toSet(overrides.AllowedTools)
		}
		if len(overrides.DisallowedTools) > 0 {
			tc.DisallowedTools = toSet(overrides.DisallowedTools)
		}
	}

	tc.Normalize()
	return tc
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
