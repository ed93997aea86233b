package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax to avoid collision with $ in literal values
// (tokens, regex fragments, shell snippets in tool server args).
//
// Examples:
//   - {{.ANTHROPIC_API_KEY}} → value of ANTHROPIC_API_KEY
//   - {{.NETBOX_URL}}/api    → URL with the variable expanded
//
// Missing variables expand to empty string; validation catches required
// fields that end up empty. On template parse or execution errors the
// original data is returned so the YAML parser can produce a clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on first = to handle values containing =.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
