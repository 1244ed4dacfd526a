package telemetry

import (
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// FilterConfig declares how credentials are scrubbed from prompts, trace
// payloads and span attributes before they leave the process.
type FilterConfig struct {
	// Mask is the replacement string; defaults to "[redacted]".
	Mask string
	// Patterns are extra regular expressions. Their whole match is masked.
	Patterns []string
}

// rule masks either the whole match or, when keepPrefix is set, only what
// follows the first capture group (the "aws_session_token=" part survives).
type rule struct {
	re         *regexp.Regexp
	keepPrefix bool
}

// Filter masks AWS credentials and other secrets.
type Filter struct {
	mask  string
	rules []rule
}

// Built-in rules, applied in order. The AWS ones come first so the generic
// token rule never sees half-masked credentials.
var builtinRules = []struct {
	pattern    string
	keepPrefix bool
}{
	// Access key ids: long-term (AKIA), STS (ASIA) and principal ids.
	{`\b(?:AKIA|ASIA|AROA|AIDA|AGPA|ANPA)[A-Z0-9]{16}\b`, false},
	{`(?i)(aws_?secret_?access_?key["']?\s*[:=]\s*["']?)[A-Za-z0-9/+=]{16,}`, true},
	{`(?i)(aws_?session_?token["']?\s*[:=]\s*["']?)[A-Za-z0-9/+=%]{16,}`, true},
	{`(?i)(x-amz-security-token[:=]\s*)[A-Za-z0-9/+=%]{16,}`, true},
	{`(?i)(x-amz-signature=)[0-9a-f]{64}`, true},
	{`(?i)(AWS4-HMAC-SHA256\s+)Credential=[^\s,]+(?:,\s*SignedHeaders=[^\s,]+)?(?:,\s*Signature=[0-9a-f]+)?`, true},
	{`(?i)((?:api[_-]?key|token|secret|password|bearer)[\s:=]+)[a-z0-9\-_./+=]{8,}`, true},
}

// sensitiveKeys mark attributes whose whole value is masked regardless of
// content.
var sensitiveKeys = []string{"secret", "password", "credential", "session_token", "access_key"}

// NewFilter compiles the built-in rules plus cfg.Patterns.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	mask := strings.TrimSpace(cfg.Mask)
	if mask == "" {
		mask = "[redacted]"
	}
	f := &Filter{mask: mask}
	for _, b := range builtinRules {
		f.rules = append(f.rules, rule{re: regexp.MustCompile(b.pattern), keepPrefix: b.keepPrefix})
	}

	seen := map[string]struct{}{}
	for _, raw := range cfg.Patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, ok := seen[raw]; ok {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("telemetry: compile filter %q: %w", raw, err)
		}
		f.rules = append(f.rules, rule{re: re})
		seen[raw] = struct{}{}
	}
	return f, nil
}

// MaskText replaces every credential found in value.
func (f *Filter) MaskText(value string) string {
	if f == nil || value == "" {
		return value
	}
	literal := strings.ReplaceAll(f.mask, "$", "$$")
	for _, r := range f.rules {
		if r.keepPrefix {
			value = r.re.ReplaceAllString(value, "${1}"+literal)
		} else {
			value = r.re.ReplaceAllLiteralString(value, f.mask)
		}
	}
	return value
}

// MaskAttributes returns a sanitized copy of attrs. String attributes whose
// key names a credential are masked whole.
func (f *Filter) MaskAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	if f == nil || len(attrs) == 0 {
		return attrs
	}
	clean := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		clean[i] = f.maskAttribute(attr)
	}
	return clean
}

func (f *Filter) maskAttribute(attr attribute.KeyValue) attribute.KeyValue {
	key := string(attr.Key)
	whole := sensitiveKey(key)
	mask := func(v string) string {
		if whole && v != "" {
			return f.mask
		}
		return f.MaskText(v)
	}
	switch attr.Value.Type() {
	case attribute.STRING:
		return attribute.String(key, mask(attr.Value.AsString()))
	case attribute.STRINGSLICE:
		values := attr.Value.AsStringSlice()
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = mask(v)
		}
		return attribute.StringSlice(key, masked)
	default:
		return attr
	}
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
