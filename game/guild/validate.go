package guild

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kasuganosora/guildserver/config"
)

// nameKey is the case-insensitive uniqueness key for names and tags.
func nameKey(s string) string {
	return strings.ToLower(s)
}

func validateName(cfg config.GuildConfig, name string) error {
	n := utf8.RuneCountInString(name)
	if n < cfg.NameMin || n > cfg.NameMax {
		return ErrInvalidName.withMsg("guild name must be %d-%d characters", cfg.NameMin, cfg.NameMax)
	}
	if strings.TrimSpace(name) != name {
		return ErrInvalidName.withMsg("guild name cannot start or end with a space")
	}
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidName.withMsg("guild name contains invalid character %q", r)
	}
	return nil
}

// validateTag accepts the empty string, meaning no tag.
func validateTag(cfg config.GuildConfig, tag string) error {
	if tag == "" {
		return nil
	}
	if utf8.RuneCountInString(tag) > cfg.TagMax {
		return ErrInvalidTag.withMsg("guild tag must be at most %d characters", cfg.TagMax)
	}
	for _, r := range tag {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ErrInvalidTag.withMsg("guild tag contains invalid character %q", r)
		}
	}
	return nil
}

func validateDescription(cfg config.GuildConfig, desc string) error {
	if utf8.RuneCountInString(desc) > cfg.DescriptionMax {
		return ErrInvalidDescription.withMsg("description must be at most %d characters", cfg.DescriptionMax)
	}
	return nil
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// tagKey returns the stored tag key, nil when the guild has no tag.
func tagKey(tag string) *string {
	if tag == "" {
		return nil
	}
	k := nameKey(tag)
	return &k
}
