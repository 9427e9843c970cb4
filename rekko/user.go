package rekko

import "strings"

// User is the backend's snapshot of the logged-in profile. It is replaced
// wholesale by every successful /auth/me or refresh, and patched in place by
// local edits.
type User struct {
	ID                 string  `json:"id"`
	Handle             string  `json:"handle"`
	DisplayName        string  `json:"display_name"`
	Bio                string  `json:"bio,omitempty"`
	AvatarURL          string  `json:"avatar_url,omitempty"`
	Email              string  `json:"email,omitempty"`
	Phone              string  `json:"phone,omitempty"`
	WalletAddress      string  `json:"wallet_address,omitempty"`
	Reputation         int     `json:"reputation"`
	TrustScore         float64 `json:"trust_score"`
	TokensEarned       int64   `json:"tokens_earned"`
	PendingTokens      int64   `json:"pending_tokens"`
	OnboardingComplete bool    `json:"onboarding_complete"`
	ProfileCompletion  int     `json:"profile_completion"`
}

// UserPatch carries a partial profile edit. Nil fields are left untouched.
type UserPatch struct {
	Handle      *string `json:"handle,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	Email       *string `json:"email,omitempty"`
	Phone       *string `json:"phone,omitempty"`
}

// Apply merges the patch into a copy of u and returns it with the
// profile-completion metric recomputed.
func (p UserPatch) Apply(u User) User {
	if p.Handle != nil {
		u.Handle = *p.Handle
	}
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.Bio != nil {
		u.Bio = *p.Bio
	}
	if p.AvatarURL != nil {
		u.AvatarURL = *p.AvatarURL
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	u.ProfileCompletion = completionScore(u)
	return u
}

// completionScore is the locally derived profile-completion percentage shown
// in onboarding.
func completionScore(u User) int {
	fields := []string{u.Handle, u.DisplayName, u.Bio, u.AvatarURL, u.Email, u.WalletAddress}
	filled := 0
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			filled++
		}
	}
	return filled * 100 / len(fields)
}
