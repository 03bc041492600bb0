package ixmp

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsedURL is the result of parsing an identity URL of the form
// ixmp://PLATFORM/MODEL/SCENARIO[#VERSION] or MODEL/SCENARIO[#VERSION].
// Platform is empty for the bare form. Version is VersionDefault when the
// fragment is absent and VersionNew for the literal "new".
type ParsedURL struct {
	Platform string
	Model    string
	Scenario string
	Version  int
}

const urlScheme = "ixmp"

// ParseURL parses an identity URL. MODEL must not contain "/"; SCENARIO
// may. A query string is rejected.
func ParseURL(raw string) (*ParsedURL, error) {
	if strings.Contains(raw, "?") {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"url":    raw,
			"reason": "query strings are not allowed in identity URLs",
		})
	}

	out := &ParsedURL{Version: VersionDefault}

	rest := raw
	if i := strings.Index(rest, "#"); i >= 0 {
		frag := rest[i+1:]
		rest = rest[:i]
		switch {
		case frag == "new":
			out.Version = VersionNew
		case frag == "":
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"url":    raw,
				"reason": "empty version fragment",
			})
		default:
			v, err := strconv.ParseUint(frag, 10, 31)
			if err != nil || v == 0 {
				return nil, WithContext(ErrInvalidData, map[string]interface{}{
					"url":     raw,
					"version": frag,
					"reason":  "version must be a positive integer or 'new'",
				})
			}
			out.Version = int(v)
		}
	}

	if scheme, after, found := strings.Cut(rest, "://"); found {
		if scheme != urlScheme {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"url":    raw,
				"scheme": scheme,
				"reason": "unknown URL scheme",
			})
		}
		platform, path, ok := strings.Cut(after, "/")
		if !ok || platform == "" {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"url":    raw,
				"reason": "expected ixmp://PLATFORM/MODEL/SCENARIO",
			})
		}
		out.Platform = platform
		rest = path
	}

	model, scenario, ok := strings.Cut(rest, "/")
	if !ok || model == "" || scenario == "" {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"url":    raw,
			"reason": "expected MODEL/SCENARIO",
		})
	}
	out.Model = model
	out.Scenario = scenario
	return out, nil
}

// String renders the URL back to its canonical text form
func (u *ParsedURL) String() string {
	var b strings.Builder
	if u.Platform != "" {
		fmt.Fprintf(&b, "%s://%s/", urlScheme, u.Platform)
	}
	b.WriteString(u.Model)
	b.WriteString("/")
	b.WriteString(u.Scenario)
	switch u.Version {
	case VersionDefault:
	case VersionNew:
		b.WriteString("#new")
	default:
		fmt.Fprintf(&b, "#%d", u.Version)
	}
	return b.String()
}
