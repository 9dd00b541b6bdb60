package webui

import (
	"net/http"
	"strings"

	"github.com/Kevin-nav/sankosides/pkg/config"
)

// SecretEntry represents a secret for the API response (name only, no value).
type SecretEntry struct {
	Name string `json:"name"`
}

// WithSecretsPassphrase lets secret changes made over the API persist to the
// encrypted secrets file. Without it they live in memory only.
func WithSecretsPassphrase(passphrase string) Option {
	return func(s *Server) { s.passphrase = passphrase }
}

// handleSecretsList implements GET /api/secrets. Only names are returned.
func (s *Server) handleSecretsList(w http.ResponseWriter, _ *http.Request) {
	names := config.SecretNames()
	entries := make([]SecretEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, SecretEntry{Name: name})
	}
	s.writeJSON(w, http.StatusOK, entries)
	s.logger.Debug("Served secrets list: %d secrets", len(entries))
}

// handleSecretsSet implements POST /api/secrets.
func (s *Server) handleSecretsSet(w http.ResponseWriter, r *http.Request) {
	var reqBody struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := decodeBody(r, &reqBody); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if reqBody.Name == "" {
		http.Error(w, "Secret name is required", http.StatusBadRequest)
		return
	}
	if reqBody.Value == "" {
		http.Error(w, "Secret value is required", http.StatusBadRequest)
		return
	}
	if sanitizeSecretName(reqBody.Name) != reqBody.Name {
		http.Error(w, "Secret name must contain only alphanumeric characters and underscores", http.StatusBadRequest)
		return
	}

	config.SetSecret(reqBody.Name, reqBody.Value)
	persisted := s.persistSecrets()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"name":      reqBody.Name,
		"persisted": persisted,
	})
	s.logger.Info("Secret %q set", reqBody.Name)
}

// handleSecretsDelete implements DELETE /api/secrets/{name}.
func (s *Server) handleSecretsDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if sanitizeSecretName(name) != name || name == "" {
		http.Error(w, "Invalid secret name", http.StatusBadRequest)
		return
	}
	config.DeleteSecret(name)
	persisted := s.persistSecrets()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"name":      name,
		"persisted": persisted,
	})
	s.logger.Info("Secret %q deleted", name)
}

// persistSecrets writes the in-memory secrets to disk when a passphrase is set.
// A write failure is logged; the in-memory change stands.
func (s *Server) persistSecrets() bool {
	if s.passphrase == "" {
		s.logger.Warn("No secrets passphrase set - change kept in memory only")
		return false
	}
	if err := config.SaveSecretsToFile(s.projectDir, s.passphrase); err != nil {
		s.logger.Error("Failed to persist secrets: %v", err)
		return false
	}
	return true
}

// sanitizeSecretName ensures secret name contains only valid characters.
func sanitizeSecretName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
