// Package handlers exposes the overlay pipeline and the geometry checks
// over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bsaid97/go-spatial-overlay/features"
	"github.com/bsaid97/go-spatial-overlay/utils"
)

// NewMux registers the overlay and geometry check endpoints.
func NewMux(overlay *Overlay, check *CheckGeometry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/overlay", overlay)
	mux.Handle("/check-geometry", check)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, err error) {
	sendJSON(w, status, errorResponse{Error: err.Error()})
}

func sendResponse(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func sendZipResponse(w http.ResponseWriter, name string, zipData []byte) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	w.WriteHeader(http.StatusOK)
	w.Write(zipData)
}

func allowPost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		sendError(w, http.StatusMethodNotAllowed, fmt.Errorf("invalid request method, only POST allowed"))
		return false
	}
	return true
}

// ErrRefNotAllowed is returned for a reference outside the configured data
// root or Mongo allowlist.
var ErrRefNotAllowed = errors.New("reference not allowed")

// RefPolicy limits the references a request may name. File references are
// relative paths resolved under DataRoot; an empty DataRoot rejects them all.
// Mongo URIs must start with one of MongoAllow. Symlinks inside DataRoot are
// followed.
type RefPolicy struct {
	DataRoot   string
	MongoAllow []string
}

// Resolve maps a client supplied reference to the one the pipeline opens.
func (p RefPolicy) Resolve(value string) (features.Ref, error) {
	if features.Ref(value).Kind() == "mongodb" {
		for _, prefix := range p.MongoAllow {
			if mongoPrefixMatch(value, prefix) {
				return features.Ref(value), nil
			}
		}
		return "", fmt.Errorf("%w: mongodb uri is not in the allowlist", ErrRefNotAllowed)
	}
	if strings.Contains(value, "://") {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrRefNotAllowed, value)
	}
	if p.DataRoot == "" {
		return "", fmt.Errorf("%w: file references are disabled", ErrRefNotAllowed)
	}
	if !filepath.IsLocal(value) {
		return "", fmt.Errorf("%w: %q must be a relative path inside the data root", ErrRefNotAllowed, value)
	}
	return features.Ref(filepath.Join(p.DataRoot, value)), nil
}

// mongoPrefixMatch requires the match to end on a URI boundary so that an
// allowed host does not admit a longer host name.
func mongoPrefixMatch(uri, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(uri, prefix) {
		return false
	}
	if len(uri) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	switch uri[len(prefix)] {
	case '/', '?':
		return true
	}
	return false
}

// collectionRef resolves a form field naming a collection: an uploaded
// GeoJSON file is saved under dir, otherwise the field value is resolved
// through refs.
func collectionRef(form *utils.MultipartResult, key string, dir string, refs RefPolicy) (features.Ref, error) {
	if data, ok := form.Files[key]; ok {
		path := filepath.Join(dir, key+"_"+features.UID()+".geojson")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return "", fmt.Errorf("failed to store upload %s: %w", key, err)
		}
		return features.Ref(path), nil
	}
	if v := strings.TrimSpace(form.Values[key]); v != "" {
		ref, err := refs.Resolve(v)
		if err != nil {
			return "", fmt.Errorf("%s: %w", key, err)
		}
		return ref, nil
	}
	return "", fmt.Errorf("missing %s: upload a GeoJSON file or give a reference", key)
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
