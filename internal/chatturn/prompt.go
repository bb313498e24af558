package chatturn

import (
	"fmt"
	"strings"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// PromptBundle holds the assembled sections of one turn's prompt, built in
// a fixed order, and persisted verbatim as
// prompt_text/system_prompt_text for later inspection.
type PromptBundle struct {
	SessionHandoffNote     string
	ConcernPriorityContext string
	WorkingMemoryContext   string
	OODASynthesis          string
	ConversationSummary    string
	RecentMessages         []*models.Message
	NewMessage             string
}

// Render concatenates the bundle's sections in spec order into the single
// prompt_text string handed to the LLM.
func (b PromptBundle) Render() string {
	var parts []string
	if b.SessionHandoffNote != "" {
		parts = append(parts, "Session handoff note:\n"+b.SessionHandoffNote)
	}
	if b.ConcernPriorityContext != "" {
		parts = append(parts, b.ConcernPriorityContext)
	}
	if b.WorkingMemoryContext != "" {
		parts = append(parts, "Working memory:\n"+b.WorkingMemoryContext)
	}
	if b.OODASynthesis != "" {
		parts = append(parts, "Situational synthesis:\n"+b.OODASynthesis)
	}
	if b.ConversationSummary != "" {
		parts = append(parts, "Conversation summary so far:\n"+b.ConversationSummary)
	}
	if len(b.RecentMessages) > 0 {
		var recent strings.Builder
		recent.WriteString("Recent messages:\n")
		for _, m := range b.RecentMessages {
			fmt.Fprintf(&recent, "[%s] %s\n", m.Role, m.Content)
		}
		parts = append(parts, recent.String())
	}
	parts = append(parts, "New message:\n"+b.NewMessage)
	return strings.Join(parts, "\n\n")
}

// OODASynthesis renders the observe/orient/decide synthesis section from the
// latest orientation snapshot, recent action digest, and previous OODA
// packet.
func OODASynthesis(orientation *models.OrientationSnapshot, recentActionDigest string, previous *models.OODAPacket) string {
	var b strings.Builder
	if orientation != nil {
		fmt.Fprintf(&b, "disposition: %s\nuser_state: %s\nnarrative: %s\n",
			orientation.Disposition, orientation.UserStateEstimate, orientation.Narrative)
	}
	if recentActionDigest != "" {
		fmt.Fprintf(&b, "recent_action_digest: %s\n", recentActionDigest)
	}
	if previous != nil {
		fmt.Fprintf(&b, "previous_observe: %s\nprevious_orient: %s\nprevious_decide: %s\nprevious_act: %s\n",
			previous.Observe, previous.Orient, previous.Decide, previous.Act)
	}
	return strings.TrimSpace(b.String())
}
