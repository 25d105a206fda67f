package auth

import (
	"fmt"
	"strings"
)

// Challenge is one RFC 7235 authentication challenge from a
// WWW-Authenticate header.
type Challenge struct {
	Scheme string
	// Params holds auth-params keyed by lower-cased name. A token68 value is
	// stored under the empty key.
	Params map[string]string
}

// Param returns the named parameter, matching case-insensitively.
func (c Challenge) Param(name string) string {
	return c.Params[strings.ToLower(name)]
}

// ResourceMetadataURL returns the RFC 9728 resource_metadata parameter of the
// first Bearer challenge, or "".
func ResourceMetadataURL(challenges []Challenge) string {
	for _, c := range challenges {
		if strings.EqualFold(c.Scheme, "Bearer") {
			if v := c.Param("resource_metadata"); v != "" {
				return v
			}
		}
	}
	return ""
}

// BearerChallenge formats a Bearer challenge naming the resource metadata
// document and, optionally, the scopes the resource needs.
func BearerChallenge(resourceMetadataURL string, scopes ...string) string {
	s := fmt.Sprintf(`Bearer resource_metadata=%s`, quote(resourceMetadataURL))
	if len(scopes) > 0 {
		s += fmt.Sprintf(`, scope=%s`, quote(strings.Join(scopes, " ")))
	}
	return s
}

// InvalidTokenChallenge formats a Bearer challenge for a rejected token.
func InvalidTokenChallenge(resourceMetadataURL, description string) string {
	return fmt.Sprintf(`Bearer resource_metadata=%s, error="invalid_token", error_description=%s`,
		quote(resourceMetadataURL), quote(description))
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// ParseWWWAuthenticate parses every challenge from the given header values.
// Malformed trailing input is dropped rather than failing the whole header.
func ParseWWWAuthenticate(values []string) []Challenge {
	var out []Challenge
	for _, v := range values {
		p := &challengeParser{s: v}
		out = append(out, p.parse()...)
	}
	return out
}

type challengeParser struct {
	s   string
	pos int
}

func (p *challengeParser) parse() []Challenge {
	var out []Challenge
	for {
		p.skip(" \t,")
		scheme := p.token()
		if scheme == "" {
			return out
		}
		c := Challenge{Scheme: scheme, Params: map[string]string{}}
		p.skip(" \t")
		if t68, ok := p.token68(); ok {
			c.Params[""] = t68
		} else {
			p.params(c.Params)
		}
		out = append(out, c)
	}
}

// params consumes comma separated name=value pairs until the next challenge
// begins or input ends.
func (p *challengeParser) params(into map[string]string) {
	for {
		mark := p.pos
		p.skip(" \t,")
		name := p.token()
		if name == "" {
			return
		}
		p.skip(" \t")
		if !p.consume('=') {
			// Not a param: this token starts the next challenge.
			p.pos = mark
			return
		}
		p.skip(" \t")
		var value string
		if p.peek() == '"' {
			value = p.quoted()
		} else {
			value = p.token()
		}
		into[strings.ToLower(name)] = value
	}
}

// token68 recognises the token68 form (e.g. Basic credentials), which is a
// single token optionally padded with '=' and followed by a comma or end.
func (p *challengeParser) token68() (string, bool) {
	start := p.pos
	i := start
	for i < len(p.s) && strings.IndexByte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~+/", p.s[i]) >= 0 {
		i++
	}
	if i == start {
		return "", false
	}
	j := i
	for j < len(p.s) && p.s[j] == '=' {
		j++
	}
	k := j
	for k < len(p.s) && (p.s[k] == ' ' || p.s[k] == '\t') {
		k++
	}
	if k < len(p.s) && p.s[k] != ',' {
		return "", false
	}
	// name= followed by end is a param with empty value, not token68,
	// unless there was more than one '='.
	if j-i == 1 && k == len(p.s) {
		return "", false
	}
	p.pos = k
	return p.s[start:j], true
}

func (p *challengeParser) token() string {
	start := p.pos
	for p.pos < len(p.s) && isTokenChar(p.s[p.pos]) {
		p.pos++
	}
	return p.s[start:p.pos]
}

func (p *challengeParser) quoted() string {
	var b strings.Builder
	p.pos++ // opening quote
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '\\':
			if p.pos < len(p.s) {
				b.WriteByte(p.s[p.pos])
				p.pos++
			}
		case '"':
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (p *challengeParser) skip(chars string) {
	for p.pos < len(p.s) && strings.IndexByte(chars, p.s[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *challengeParser) peek() byte {
	if p.pos < len(p.s) {
		return p.s[p.pos]
	}
	return 0
}

func (p *challengeParser) consume(c byte) bool {
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
