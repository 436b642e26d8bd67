package prompts

import (
	"fmt"
	"strings"
)

// ============================================================================
// Profile Analysis Prompts
// ============================================================================

// AnalysisSystemPrompt defines the role and output contract for profile scoring.
const AnalysisSystemPrompt = `You are a brand-safety analyst scoring public social-media profiles.

Given a profile's public metadata, respond with a single JSON object:
{
  "score": <float 0-100, overall account quality and brand-safety score>,
  "categories": [<up to 5 topical labels from your best judgment>],
  "summary": "<2-3 sentence rationale>"
}

Rules:
- Output only the JSON object, no markdown fences, no commentary.
- Score conservatively when evidence is thin.
- Never invent facts that are not present in the provided metadata.`

// AnalysisUserPrompt renders the per-profile user message.
func AnalysisUserPrompt(platform, username, displayName, bio string, followers, following, posts int64, categories []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\nUsername: %s\nDisplay name: %s\n", platform, username, displayName)
	fmt.Fprintf(&b, "Followers: %d\nFollowing: %d\nPosts: %d\n", followers, following, posts)
	if len(categories) > 0 {
		fmt.Fprintf(&b, "Previously assigned categories: %s\n", strings.Join(categories, ", "))
	}
	if bio != "" {
		fmt.Fprintf(&b, "Bio:\n%s\n", bio)
	}
	b.WriteString("\nScore this profile.")
	return b.String()
}

// DegradedSuffix is appended when re-submitting after a content refusal.
// The bio text is withheld on the retry since it is the usual refusal
// trigger; scoring then rests on the numeric metadata alone.
const DegradedSuffix = "\n\nNote: the profile bio was withheld from this request. Score using the numeric metadata only."
