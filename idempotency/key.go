package idempotency

import "strings"

// Placeholder is used for key components that do not apply.
const Placeholder = "-"

// KeyParts are the components of an idempotency key, in key order.
type KeyParts struct {
	TenantID    string
	Operation   string
	Table       string
	RecordID    string // "-" for jobs that are not about one record
	Field       string
	Variant     string // "en->de", a target language, or "-"
	Fingerprint string
}

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// BuildKey joins the parts with ':'. Empty parts become "-", and ':' inside
// a part is escaped, so distinct parts never produce the same key.
func BuildKey(p KeyParts) string {
	parts := []string{p.TenantID, p.Operation, p.Table, p.RecordID, p.Field, p.Variant, p.Fingerprint}
	for i, part := range parts {
		if part == "" {
			parts[i] = Placeholder
			continue
		}
		parts[i] = keyEscaper.Replace(part)
	}
	return strings.Join(parts, ":")
}

// TranslationVariant renders the variant for a language pair.
func TranslationVariant(source, target string) string {
	return source + "->" + target
}
