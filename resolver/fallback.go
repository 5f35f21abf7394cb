package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

const (
	subjectLabel = `(?:\b(?:user(?:[ _]?id)?|uid|id)|пользовател\p{L}*|юзер\p{L}*)\s*[:=#№]?\s*`
	channelLabel = `(?:\bchannel(?:[ _]?id)?|канал\p{L}*)\s*[:=#№]?\s*`
	fileLabel    = `(?:\bfile(?:[ _]?id)?|файл\p{L}*)\s*[:=#№]?\s*`
)

// notePattern is one free-text matcher. Named groups "subject", "resource" and
// "order" are read from the first match.
type notePattern struct {
	name string
	kind entitlement.Kind
	re   *regexp.Regexp
}

// notePatterns are tried in this order; the first one that yields a valid claim wins.
var notePatterns = []notePattern{
	{
		name: "embedded_order",
		re:   regexp.MustCompile(`(?i)\b(?P<order>(?:channel|file)_\d+_[A-Za-z0-9\-]+(?:_\d+)?)`),
	},
	{
		name: "user_channel",
		kind: entitlement.KindChannel,
		re:   regexp.MustCompile(`(?i)` + subjectLabel + `(?P<subject>\d{1,19})\D*?` + channelLabel + `(?P<resource>-?\d{5,})`),
	},
	{
		name: "channel_user",
		kind: entitlement.KindChannel,
		re:   regexp.MustCompile(`(?i)` + channelLabel + `(?P<resource>-?\d{5,})\D*?` + subjectLabel + `(?P<subject>\d{1,19})`),
	},
	{
		name: "user_file",
		kind: entitlement.KindFile,
		re:   regexp.MustCompile(`(?i)` + subjectLabel + `(?P<subject>\d{1,19})\D*?` + fileLabel + `(?P<resource>[A-Za-z0-9_\-]{3,})`),
	},
}

var (
	daysRe    = regexp.MustCompile(`(?i)(\d{1,4})\s*(?:days?\b|d\b|дн\p{L}*|день)`)
	foreverRe = regexp.MustCompile(`(?i)\b(?:forever|lifetime|permanent)\b|навсегда|бессрочн`)

	channelTokenRe = regexp.MustCompile(`-100\d{3,}`)
	fileTokenRe    = regexp.MustCompile(`\b(?:BQA[CD]|AgA[CD]|BAA[CD]|CQA[CD]|AwA[CD]|CgA[CD]|DQA[CD])[A-Za-z0-9_\-]{8,}`)
	digitRunRe     = regexp.MustCompile(`\d{5,}`)
)

// errNoMatch means a stage found nothing and the next stage should run.
var errNoMatch = fmt.Errorf("no match")

func matchNotePatterns(note string) (Claim, string, error) {
	for _, p := range notePatterns {
		loc := p.re.FindStringSubmatchIndex(note)
		if loc == nil {
			continue
		}
		group := func(name string) string {
			i := p.re.SubexpIndex(name)
			if i < 0 || loc[2*i] < 0 {
				return ""
			}
			return note[loc[2*i]:loc[2*i+1]]
		}

		if order := group("order"); order != "" {
			c, err := parseOrderID(order)
			if err != nil {
				continue
			}
			return c, p.name, nil
		}

		subjectID, err := parseSubject(group("subject"))
		if err != nil {
			continue
		}
		c := Claim{SubjectID: subjectID, Kind: p.kind, ResourceID: group("resource")}
		rest := note[:loc[0]] + " " + note[loc[1]:]
		if err := applyDuration(&c, rest); err != nil {
			return Claim{}, p.name, err
		}
		return c, p.name, nil
	}
	return Claim{}, "", errNoMatch
}

// matchLastResort looks for a typed resource token plus exactly one long digit run.
func matchLastResort(note string) (Claim, error) {
	var c Claim
	rest := note
	if loc := channelTokenRe.FindStringIndex(note); loc != nil {
		c.Kind = entitlement.KindChannel
		c.ResourceID = note[loc[0]:loc[1]]
		rest = note[:loc[0]] + " " + note[loc[1]:]
	} else if loc := fileTokenRe.FindStringIndex(note); loc != nil {
		c.Kind = entitlement.KindFile
		c.ResourceID = note[loc[0]:loc[1]]
		rest = note[:loc[0]] + " " + note[loc[1]:]
	}

	candidates := distinct(digitRunRe.FindAllString(rest, -1))
	switch {
	case len(candidates) == 0 && c.ResourceID == "":
		return Claim{}, fmt.Errorf("%w: note carries no subject id", ErrUnresolvableSubject)
	case len(candidates) == 0:
		return Claim{}, fmt.Errorf("%w: resource %s found but no subject id", ErrUnresolvableSubject, c.ResourceID)
	case len(candidates) > 1:
		return Claim{}, fmt.Errorf("%w: ambiguous subject ids %s", ErrUnresolvableSubject, strings.Join(candidates, ","))
	case c.ResourceID == "":
		return Claim{}, fmt.Errorf("%w: subject %s found but no resource id", ErrMalformedPayload, candidates[0])
	}

	subjectID, err := parseSubject(candidates[0])
	if err != nil {
		return Claim{}, fmt.Errorf("%w: %v", ErrUnresolvableSubject, err)
	}
	c.SubjectID = subjectID

	// the subject digits must not be read back as a day count
	rest = strings.Replace(rest, candidates[0], " ", 1)
	if err := applyDuration(&c, rest); err != nil {
		return Claim{}, err
	}
	return c, nil
}

// applyDuration reads the day count from free text. Channel grants recovered from
// free text need an explicit count or a forever keyword.
func applyDuration(c *Claim, text string) error {
	if m := daysRe.FindStringSubmatch(text); m != nil {
		days, err := strconv.Atoi(m[1])
		if err == nil && days <= entitlement.MaxDurationDays {
			c.DurationDays = days
			return nil
		}
	}
	if foreverRe.MatchString(text) || c.Kind == entitlement.KindFile {
		c.DurationDays = 0
		return nil
	}
	return fmt.Errorf("%w: no duration for channel %s", ErrMalformedPayload, c.ResourceID)
}

func distinct(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
