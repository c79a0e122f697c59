package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"gopkg.in/yaml.v3"
)

// Mask replaces secret values in displayed configuration.
const Mask = "********"

var secretKeys = map[string]bool{
	KeyPassword:          true,
	KeySecretKey:         true,
	KeyS3SecretAccessKey: true,
}

// Setting is one displayed key/value pair.
type Setting struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Redacted returns every setting with secrets masked. The password inside
// DATABASE_URL is masked too.
func (c Config) Redacted() []Setting {
	keys := Keys()
	out := make([]Setting, 0, len(keys))
	for _, k := range keys {
		v := c.value(k)
		switch {
		case secretKeys[k]:
			if v != "" {
				v = Mask
			}
		case k == KeyDatabaseURL:
			v = redactURL(v)
		}
		out = append(out, Setting{Key: k, Value: v})
	}
	return out
}

// redactURL masks the password of a connection URL, including a password
// query parameter. Keyword/value DSNs and URLs that do not parse are masked
// entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return Mask
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), Mask)
	}
	if q := u.Query(); q.Has("password") {
		q.Set("password", Mask)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Render writes the redacted configuration as text, yaml or json.
func (c Config) Render(w io.Writer, format string) error {
	settings := c.Redacted()

	switch format {
	case "", "text":
		for _, s := range settings {
			if _, err := fmt.Fprintf(w, "%s=%s\n", s.Key, s.Value); err != nil {
				return err
			}
		}
		return nil
	case "yaml":
		m := make(map[string]string, len(settings))
		for _, s := range settings {
			m[s.Key] = s.Value
		}
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return nil
	case "json":
		m := make(map[string]string, len(settings))
		for _, s := range settings {
			m[s.Key] = s.Value
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
